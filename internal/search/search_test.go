package search

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/store"
)

type fakeSearcher struct {
	hits   []store.MessageHit
	err    error
	tables []string
	limit  int
}

func (f *fakeSearcher) SearchMessages(_ context.Context, tables []string, _ string, limit int) ([]store.MessageHit, error) {
	f.tables = tables
	f.limit = limit
	return f.hits, f.err
}

type fakeLoader struct {
	rows map[string][]store.Message
}

func (f *fakeLoader) ListMessagesAfter(_ context.Context, table string, afterID int64, limit int) ([]store.Message, error) {
	var out []store.Message
	for _, m := range f.rows[table] {
		if m.ID > afterID && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func hit(table string, id int64, direction, body string) store.MessageHit {
	return store.MessageHit{Table: table, Message: store.Message{
		ID:        id,
		SessionID: "5511999990000",
		Direction: direction,
		Body:      body,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}}
}

var targets = []Target{
	{ChannelID: "loja-centro", Table: "msgs_loja_centro"},
	{ChannelID: "delivery", Table: "msgs_delivery"},
}

func TestFilterFor(t *testing.T) {
	assert.Empty(t, filterFor(Query{Text: "oi"}))

	filters := filterFor(Query{Text: "oi", Targets: targets, Direction: store.DirectionInbound})
	require.Len(t, filters, 2)
	assert.Equal(t, `channelId IN ["loja-centro", "delivery"]`, filters[0])
	assert.Equal(t, `direction = "inbound"`, filters[1])
}

func TestQueryLimit(t *testing.T) {
	assert.Equal(t, 20, Query{}.limit())
	assert.Equal(t, 20, Query{Limit: 500}.limit())
	assert.Equal(t, 5, Query{Limit: 5}.limit())
}

func TestNewRecordSkipsUnsearchableBodies(t *testing.T) {
	_, ok := NewRecord("delivery", store.Message{ID: 1, Body: "  "})
	assert.False(t, ok)

	_, ok = NewRecord("delivery", store.Message{ID: 2, Body: "iVBORw0KGgo" + strings.Repeat("A", 80)})
	assert.False(t, ok)

	rec, ok := NewRecord("delivery", store.Message{ID: 3, SessionID: "55119", Direction: "inbound", Body: "qual o horário?"})
	require.True(t, ok)
	assert.Equal(t, "delivery-3", rec.ID)
	assert.Equal(t, "55119", rec.SessionID)
}

func TestPostgresMapsTablesToChannels(t *testing.T) {
	st := &fakeSearcher{hits: []store.MessageHit{
		hit("msgs_delivery", 10, store.DirectionInbound, "quero meu pedido"),
		hit("msgs_loja_centro", 4, store.DirectionOutbound, "seu pedido saiu"),
		hit("msgs_delivery", 8, store.DirectionInbound, "pedido atrasado"),
	}}
	p := NewPostgres(st)

	results, total, err := p.Search(context.Background(), Query{Text: "pedido", Targets: targets})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"msgs_loja_centro", "msgs_delivery"}, st.tables)
	assert.Equal(t, "delivery", results[0].ChannelID)
	assert.Equal(t, "delivery-10", results[0].ID)
	assert.Equal(t, "loja-centro", results[1].ChannelID)
	assert.Contains(t, results[0].Snippet, "<mark>pedido</mark>")

	results, total, err = p.Search(context.Background(), Query{Text: "pedido", Targets: targets, Direction: store.DirectionInbound, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, results, 1)
	assert.Equal(t, int64(8), results[0].MessageID)
}

func TestPostgresEmptyQuery(t *testing.T) {
	st := &fakeSearcher{}
	results, total, err := NewPostgres(st).Search(context.Background(), Query{Text: "  ", Targets: targets})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, total)
	assert.Nil(t, st.tables)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "Bom <mark>DIA</mark>!", snippet("Bom DIA!", "dia"))

	long := strings.Repeat("x", 100) + " entrega " + strings.Repeat("y", 100)
	got := snippet(long, "entrega")
	assert.True(t, strings.HasPrefix(got, "…"))
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.Contains(t, got, "<mark>entrega</mark>")

	assert.Equal(t, "sem match", snippet("sem match", "pedido"))
}

func TestServiceFallsBackToPostgres(t *testing.T) {
	st := &fakeSearcher{hits: []store.MessageHit{hit("msgs_delivery", 1, store.DirectionInbound, "oi")}}
	svc := NewService(nil, NewPostgres(st), nil)

	resp := svc.Search(context.Background(), Query{Text: "oi", Targets: targets})
	assert.Equal(t, "postgres", resp.Engine)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "oi", resp.Query)
}

func TestServicePostgresErrorReturnsEmpty(t *testing.T) {
	st := &fakeSearcher{err: errors.New("boom")}
	svc := NewService(nil, NewPostgres(st), nil)

	resp := svc.Search(context.Background(), Query{Text: "oi", Targets: targets})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}

func TestServiceWithoutMeiliSkipsIndexing(t *testing.T) {
	svc := NewService(nil, NewPostgres(&fakeSearcher{}), nil)
	svc.IndexMessage("delivery", store.Message{ID: 1, Body: "oi"})

	sent, err := svc.Reindex(context.Background(), &fakeLoader{rows: map[string][]store.Message{
		"msgs_delivery": {{ID: 1, Body: "oi"}},
	}}, targets)
	require.NoError(t, err)
	assert.Zero(t, sent)
}
