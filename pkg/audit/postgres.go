package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer archives audit entries to Postgres.
type Writer struct {
	DB auditDB
}

func (w *Writer) Append(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		data = []byte("{}")
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO audit_entries (entry_id, actor, event_type, data, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, e.ID, e.Actor, e.Event, data, e.At)
	return err
}

func (w *Writer) Get(ctx context.Context, entryID string) (Entry, error) {
	row := w.DB.QueryRow(ctx, `
		SELECT entry_id, actor, event_type, data, created_at
		FROM audit_entries WHERE entry_id=$1
	`, entryID)
	var e Entry
	var raw json.RawMessage
	var at time.Time
	if err := row.Scan(&e.ID, &e.Actor, &e.Event, &raw, &at); err != nil {
		return e, err
	}
	e.At = at
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &e.Data)
	}
	return e, nil
}
