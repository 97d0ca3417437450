package feed

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PGChannel is the NOTIFY channel written by the attendance_records trigger.
const PGChannel = "attendance_records"

// PGListener subscribes to Postgres LISTEN/NOTIFY. Notifications come from the
// table trigger, so writes made by any client (not only this service) reach
// subscribers.
type PGListener struct {
	connString string
}

// NewPGListener creates a listener that opens a dedicated connection per
// subscription.
func NewPGListener(connString string) *PGListener {
	return &PGListener{connString: connString}
}

// Publish is a no-op: the trigger already notifies on insert and delete.
func (l *PGListener) Publish(ctx context.Context, c Change) error { return nil }

// Subscribe holds a connection in LISTEN mode until ctx is done.
func (l *PGListener) Subscribe(ctx context.Context, sessionID string) (<-chan Change, error) {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return nil, fmt.Errorf("listen connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{PGChannel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen: %w", err)
	}

	out := make(chan Change, 1)
	go func() {
		defer close(out)
		defer conn.Close(context.Background())
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				// ctx cancelled or connection lost; either way the subscriber
				// falls back to its own error handling
				return
			}
			c, err := decode(n.Payload)
			if err != nil || c.SessionID != sessionID {
				continue
			}
			select {
			case out <- c:
			default:
				// a refetch is already pending
			}
		}
	}()
	return out, nil
}
