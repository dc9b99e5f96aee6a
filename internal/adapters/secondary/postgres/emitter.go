package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Emitter publishes realtime events from Go code through realtime_emit, so
// producers that write to the database get the same commit semantics as
// triggers and SQL callers.
type Emitter struct {
	pool *pgxpool.Pool
}

// NewEmitter creates a new emitter
func NewEmitter(pool *pgxpool.Pool) *Emitter {
	return &Emitter{pool: pool}
}

// Emit calls realtime_emit(kind, target, payload). When ctx carries a
// transaction the notification is sent only if that transaction commits.
func (e *Emitter) Emit(ctx context.Context, kind Kind, target string, payload any) error {
	data := []byte("{}")
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode %s payload: %w", kind, err)
		}
	}

	db := GetDBTX(ctx, e.pool)
	if _, err := db.Exec(ctx, `SELECT realtime_emit($1, $2, $3::text::jsonb)`, string(kind), target, string(data)); err != nil {
		return fmt.Errorf("realtime_emit %s %s: %w", kind, target, err)
	}
	return nil
}
