package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/channel"
	"switchboard/internal/media"
	"switchboard/internal/status"
	"switchboard/internal/store"
)

var now = time.Date(2026, 6, 1, 15, 0, 0, 0, time.UTC)

const textWebhook = `{
  "event": "messages.upsert",
  "instance": "centro-wa",
  "data": {
    "key": {"id": "3EB0A1", "remoteJid": "5511999990000:4@s.whatsapp.net", "fromMe": false},
    "pushName": "Maria",
    "message": {"conversation": "Oi, posso agendar?"},
    "messageTimestamp": 1748790000
  }
}`

func TestToMessageText(t *testing.T) {
	p, err := Decode([]byte(textWebhook))
	require.NoError(t, err)
	msg, err := ToMessage(p, now)
	require.NoError(t, err)

	assert.Equal(t, "5511999990000@s.whatsapp.net", msg.SessionID)
	assert.Equal(t, store.DirectionInbound, msg.Direction)
	assert.Equal(t, store.SenderCustomer, msg.Sender)
	assert.Equal(t, "Oi, posso agendar?", msg.Body)
	assert.Equal(t, "Maria", msg.ContactName)
	assert.Equal(t, "3EB0A1", msg.ExternalID)
	assert.Equal(t, time.Unix(1748790000, 0).UTC(), msg.CreatedAt)
}

func TestToMessageMediaAndOutbound(t *testing.T) {
	body := `{
	  "event": "MESSAGES_UPSERT",
	  "data": {
	    "key": {"id": "X1", "remoteJid": "5511999990000@s.whatsapp.net", "fromMe": true},
	    "pushName": "Loja",
	    "message": {"imageMessage": {"mimetype": "image/jpeg", "caption": "sua receita"}},
	    "base64": "/9j/` + repeat("A", 96) + `",
	    "messageTimestamp": "1748790000123"
	  }
	}`
	p, err := Decode([]byte(body))
	require.NoError(t, err)
	msg, err := ToMessage(p, now)
	require.NoError(t, err)

	assert.Equal(t, store.DirectionOutbound, msg.Direction)
	assert.Equal(t, store.SenderAgent, msg.Sender)
	assert.Empty(t, msg.ContactName)
	assert.Equal(t, "sua receita", msg.Body)
	assert.Equal(t, string(media.KindImage), msg.MediaKind)
	assert.Equal(t, "image/jpeg", msg.MediaMIME)
	assert.True(t, msg.HasInlineMedia)
	assert.Equal(t, time.UnixMilli(1748790000123).UTC(), msg.CreatedAt)
}

func TestToMessageInlineWithoutMetadata(t *testing.T) {
	p := Payload{Event: "messages.upsert", Data: Data{
		Key:     Key{ID: "A", RemoteJid: "5511@s.whatsapp.net"},
		Message: &MessageContent{Base64: "JVBERi0" + repeat("A", 93)},
	}}
	msg, err := ToMessage(p, now)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", msg.MediaMIME)
	assert.Equal(t, string(media.KindDocument), msg.MediaKind)
	assert.Equal(t, now, msg.CreatedAt)
}

func TestToMessageIgnores(t *testing.T) {
	tests := []struct {
		name string
		p    Payload
		want error
	}{
		{"other event", Payload{Event: "connection.update"}, ErrIgnored},
		{"group", Payload{Event: "messages.upsert", Data: Data{Key: Key{RemoteJid: "1203@g.us"}, Message: &MessageContent{Conversation: "oi"}}}, ErrIgnored},
		{"status", Payload{Event: "messages.upsert", Data: Data{Key: Key{RemoteJid: "status@broadcast"}, Message: &MessageContent{Conversation: "oi"}}}, ErrIgnored},
		{"empty", Payload{Event: "messages.upsert", Data: Data{Key: Key{RemoteJid: "5511@s.whatsapp.net"}}}, ErrIgnored},
		{"no jid", Payload{Event: "messages.upsert"}, ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ToMessage(tt.p, now)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	_, err := Decode([]byte("{"))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func repeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

type fakeChannels map[string]channel.Channel

func (f fakeChannels) ByInstance(_ context.Context, instance string) (channel.Channel, error) {
	ch, ok := f[instance]
	if !ok {
		return channel.Channel{}, channel.ErrUnknownChannel
	}
	return ch, nil
}

type fakeMessages struct {
	byExternal map[string]store.Message
	nextID     int64
	tables     []string
}

func (f *fakeMessages) InsertMessage(_ context.Context, table string, m store.Message) (store.Message, bool, error) {
	f.tables = append(f.tables, table)
	if existing, ok := f.byExternal[m.ExternalID]; ok {
		return existing, false, nil
	}
	f.nextID++
	m.ID = f.nextID
	f.byExternal[m.ExternalID] = m
	return m, true, nil
}

type fakeIndexer struct {
	indexed []store.Message
}

func (f *fakeIndexer) IndexMessage(_ string, msg store.Message) {
	f.indexed = append(f.indexed, msg)
}

func newService(t *testing.T) (*Service, *fakeMessages, *status.MemoryStore, *fakeIndexer) {
	t.Helper()
	channels := fakeChannels{
		"centro-wa": {ID: "loja-centro", Table: "msgs_loja_centro", Kind: channel.KindStore, Active: true},
		"bot-wa":    {ID: "atendente-ia", Table: "msgs_ai_agent", Kind: channel.KindAgent, Active: true},
	}
	messages := &fakeMessages{byExternal: map[string]store.Message{}}
	statuses := status.NewMemoryStore()
	indexer := &fakeIndexer{}
	svc := NewService(channels, messages, statuses, indexer, nil)
	svc.now = func() time.Time { return now }
	return svc, messages, statuses, indexer
}

func TestServiceStoresTouchesAndIndexes(t *testing.T) {
	svc, messages, statuses, indexer := newService(t)
	ctx := context.Background()
	p, err := Decode([]byte(textWebhook))
	require.NoError(t, err)

	res, err := svc.Handle(ctx, "centro-wa", p)
	require.NoError(t, err)
	assert.Equal(t, ResultStored, res.Result)
	assert.Equal(t, "loja-centro", res.ChannelID)
	assert.Equal(t, []string{"msgs_loja_centro"}, messages.tables)
	require.Len(t, indexer.indexed, 1)

	rec, ok, err := statuses.Get(ctx, "loja-centro", "5511999990000@s.whatsapp.net")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, status.Unread, rec.Status)

	res, err = svc.Handle(ctx, "centro-wa", p)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res.Result)
	assert.Len(t, indexer.indexed, 1)
}

func TestServiceMarksAgentRepliesAsBot(t *testing.T) {
	svc, messages, _, _ := newService(t)
	p := Payload{Event: "messages.upsert", Data: Data{
		Key:     Key{ID: "B1", RemoteJid: "5511@s.whatsapp.net", FromMe: true},
		Message: &MessageContent{Conversation: "Olá! Sou o assistente."},
	}}
	_, err := svc.Handle(context.Background(), "bot-wa", p)
	require.NoError(t, err)
	assert.Equal(t, store.SenderBot, messages.byExternal["B1"].Sender)
}

func TestServiceUnknownInstanceAndIgnored(t *testing.T) {
	svc, messages, _, _ := newService(t)
	_, err := svc.Handle(context.Background(), "nope", Payload{Event: "messages.upsert"})
	assert.True(t, errors.Is(err, channel.ErrUnknownChannel))

	res, err := svc.Handle(context.Background(), "", Payload{Event: "presence.update", Instance: "centro-wa"})
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res.Result)
	assert.Empty(t, messages.tables)
}
