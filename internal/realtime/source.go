// Package realtime fans row changes in channel message tables out to
// dashboard subscribers, from Postgres notifications or polling.
package realtime

import (
	"context"
	"time"
)

const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

type Change struct {
	Table     string    `json:"table"`
	Op        string    `json:"op"`
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	At        time.Time `json:"at"`
}

type Emit func(Change)

// Source produces changes for one table until stop is called.
type Source interface {
	Watch(ctx context.Context, table string, emit Emit) (stop func(), err error)
}
