package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/jobqueue/internal/queue/domain"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Malformed ids are rejected before any query, so no server is needed
func TestPostgresStore_MalformedIDsNotFound(t *testing.T) {
	db, err := sqlx.Open("postgres", "host=127.0.0.1 port=1 user=none dbname=none sslmode=disable connect_timeout=1")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewPostgresStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	tests := []struct {
		name string
		call func(id string) error
	}{
		{name: "get", call: func(id string) error { _, err := store.Get(ctx, id); return err }},
		{name: "mark completed", call: func(id string) error { return store.MarkCompleted(ctx, id) }},
		{name: "mark failed", call: func(id string) error {
			_, err := store.MarkFailed(ctx, id, "boom", time.Now())
			return err
		}},
		{name: "heartbeat", call: func(id string) error { return store.Heartbeat(ctx, id, "worker-1") }},
		{name: "remove", call: func(id string) error { return store.Remove(ctx, id) }},
		{name: "retry now", call: func(id string) error { return store.RetryNow(ctx, id) }},
		{name: "kill", call: func(id string) error { return store.Kill(ctx, id) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call("not-a-uuid"), domain.ErrNotFound)
		})
	}
}
