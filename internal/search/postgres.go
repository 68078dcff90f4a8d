package search

import (
	"context"
	"fmt"
	"strings"

	"switchboard/internal/store"
)

type MessageSearcher interface {
	SearchMessages(ctx context.Context, tables []string, text string, limit int) ([]store.MessageHit, error)
}

// Postgres searches the channel tables directly with ILIKE. It is the
// fallback when Meilisearch is not configured or unhealthy.
type Postgres struct {
	store MessageSearcher
}

func NewPostgres(st MessageSearcher) *Postgres {
	return &Postgres{store: st}
}

func (p *Postgres) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.Targets) == 0 {
		return nil, 0, nil
	}
	channelByTable := make(map[string]string, len(q.Targets))
	tables := make([]string, 0, len(q.Targets))
	for _, t := range q.Targets {
		channelByTable[t.Table] = t.ChannelID
		tables = append(tables, t.Table)
	}

	hits, err := p.store.SearchMessages(ctx, tables, q.Text, q.Offset+q.limit())
	if err != nil {
		return nil, 0, fmt.Errorf("postgres search: %w", err)
	}

	results := make([]Result, 0, len(hits))
	matched := 0
	for _, hit := range hits {
		if q.Direction != "" && hit.Message.Direction != q.Direction {
			continue
		}
		matched++
		if matched <= q.Offset || len(results) >= q.limit() {
			continue
		}
		channelID := channelByTable[hit.Table]
		results = append(results, Result{
			ID:          RecordID(channelID, hit.Message.ID),
			ChannelID:   channelID,
			SessionID:   hit.Message.SessionID,
			MessageID:   hit.Message.ID,
			Direction:   hit.Message.Direction,
			ContactName: hit.Message.ContactName,
			Snippet:     snippet(hit.Message.Body, q.Text),
			CreatedAt:   hit.Message.CreatedAt,
		})
	}
	return results, matched, nil
}

const snippetRadius = 60

// snippet cuts body around the first case-insensitive match of text and
// marks it the way Meilisearch highlights do.
func snippet(body, text string) string {
	runes := []rune(body)
	lower := []rune(strings.ToLower(body))
	needle := []rune(strings.ToLower(strings.TrimSpace(text)))
	at := indexRunes(lower, needle)
	if at < 0 || len(lower) != len(runes) {
		if len(runes) > 2*snippetRadius {
			return string(runes[:2*snippetRadius]) + "…"
		}
		return body
	}

	start, end := at-snippetRadius, at+len(needle)+snippetRadius
	prefix, suffix := "…", "…"
	if start <= 0 {
		start, prefix = 0, ""
	}
	if end >= len(runes) {
		end, suffix = len(runes), ""
	}
	return prefix + string(runes[start:at]) + "<mark>" + string(runes[at:at+len(needle)]) + "</mark>" + string(runes[at+len(needle):end]) + suffix
}

func indexRunes(haystack, needle []rune) int {
	if len(needle) == 0 {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j := range needle {
			if haystack[i+j] != needle[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}
