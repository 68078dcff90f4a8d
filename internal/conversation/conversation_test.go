package conversation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/store"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func msg(id int64, session, direction string, minute int, body string) store.Message {
	return store.Message{
		ID:        id,
		SessionID: session,
		Direction: direction,
		Body:      body,
		CreatedAt: base.Add(time.Duration(minute) * time.Minute),
	}
}

const (
	maria = "5511999990000@s.whatsapp.net"
	joao  = "5511888880000@s.whatsapp.net"
)

func sample() []store.Message {
	in, out := store.DirectionInbound, store.DirectionOutbound
	m1 := msg(1, maria, in, 0, "Oi, bom dia")
	m1.ContactName = "Mari"
	return []store.Message{
		m1,
		msg(2, maria, out, 1, "Bom dia! Como posso ajudar?"),
		msg(3, maria, in, 2, "Queria agendar um exame"),
		msg(4, maria, in, 3, "Para sexta"),
		msg(5, joao, in, 3, "Olá"),
		msg(6, "", in, 9, "orphan"),
	}
}

func TestReduceGroupsAndCountsUnread(t *testing.T) {
	summaries := Reduce(sample(), ReduceOptions{})
	require.Len(t, summaries, 2)

	first := summaries[0]
	assert.Equal(t, joao, first.SessionID, "ties on LastTime order by session id")
	assert.Equal(t, 1, first.UnreadCount)
	assert.Equal(t, StatusUnread, first.Status)
	assert.Equal(t, "+5511888880000", first.DisplayName)

	second := summaries[1]
	assert.Equal(t, "5511999990000", second.Phone)
	assert.Equal(t, 4, second.MessageCount)
	assert.Equal(t, 2, second.UnreadCount)
	assert.Equal(t, "Para sexta", second.LastMessage)
	assert.Equal(t, store.DirectionInbound, second.LastDirection)
	assert.Equal(t, "Mari", second.DisplayName)
}

func TestReduceHonoursReadMarkersStatusesAndNames(t *testing.T) {
	summaries := Reduce(sample(), ReduceOptions{
		ReadMarkers: map[string]time.Time{maria: base.Add(2 * time.Minute)},
		Statuses:    map[string]string{joao: StatusResolved},
		Names:       map[string]string{"5511999990000": "Maria Souza"},
	})
	require.Len(t, summaries, 2)

	byID := map[string]Summary{}
	for _, s := range summaries {
		byID[s.SessionID] = s
	}
	assert.Equal(t, 1, byID[maria].UnreadCount, "marker at minute 2 leaves only minute 3 unread")
	assert.Equal(t, "Maria Souza", byID[maria].DisplayName)
	assert.Equal(t, StatusUnread, byID[maria].Status)
	assert.Equal(t, 0, byID[joao].UnreadCount)
	assert.Equal(t, StatusResolved, byID[joao].Status)
}

func TestReduceDerivesInProgressAfterReply(t *testing.T) {
	msgs := []store.Message{
		msg(1, maria, store.DirectionInbound, 0, "Oi"),
		msg(2, maria, store.DirectionOutbound, 1, "Olá!"),
	}
	summaries := Reduce(msgs, ReduceOptions{})
	require.Len(t, summaries, 1)
	assert.Equal(t, 0, summaries[0].UnreadCount)
	assert.Equal(t, StatusInProgress, summaries[0].Status)
	assert.Equal(t, store.DirectionOutbound, summaries[0].LastDirection)
}

func TestReduceOrdersSameTimestampByID(t *testing.T) {
	msgs := []store.Message{
		msg(8, maria, store.DirectionInbound, 0, "second"),
		msg(7, maria, store.DirectionInbound, 0, "first"),
	}
	summaries := Reduce(msgs, ReduceOptions{})
	assert.Equal(t, "second", summaries[0].LastMessage)

	thread := Thread(msgs, maria)
	require.Len(t, thread, 2)
	assert.Equal(t, int64(7), thread[0].ID)
}

func TestReduceEmpty(t *testing.T) {
	assert.Empty(t, Reduce(nil, ReduceOptions{}))
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("exame ", 30)
	encoded := "/9j/" + strings.Repeat("A", 96)
	tests := []struct {
		name string
		msg  store.Message
		want string
	}{
		{"plain", store.Message{Body: "  Olá\n  mundo "}, "Olá mundo"},
		{"truncated", store.Message{Body: long}, string([]rune(strings.TrimSpace(long))[:79]) + "…"},
		{"media kind", store.Message{MediaKind: "audio", MediaURL: "https://x/y.ogg"}, "[audio]"},
		{"media mime", store.Message{MediaMIME: "video/mp4"}, "[video]"},
		{"inline body", store.Message{Body: encoded}, "[image]"},
		{"inline column", store.Message{HasInlineMedia: true}, "[document]"},
		{"caption wins", store.Message{Body: "foto da receita", MediaKind: "image"}, "foto da receita"},
		{"empty", store.Message{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Preview(tt.msg))
		})
	}
}

func TestPhoneFromSession(t *testing.T) {
	assert.Equal(t, "5511999990000", PhoneFromSession("5511999990000:7@s.whatsapp.net"))
	assert.Equal(t, "5511999990000", PhoneFromSession("5511999990000@c.us"))
	assert.Equal(t, "5511999990000", PhoneFromSession("5511999990000"))
}
