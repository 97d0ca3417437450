// Package feed carries attendance change notifications between processes so
// open session views can refresh without waiting for the next poll.
package feed

import (
	"context"
	"encoding/json"
	"sync"
)

// Op names the kind of change.
type Op string

const (
	OpInsert Op = "insert"
	OpDelete Op = "delete"
)

// Change says that attendance for a session changed. It carries no row data;
// subscribers refetch.
type Change struct {
	SessionID string `json:"session_id"`
	RecordID  string `json:"record_id,omitempty"`
	Op        Op     `json:"op"`
}

// Feed is the abstraction over notification backends.
type Feed interface {
	Publish(ctx context.Context, c Change) error
	// Subscribe delivers changes for one session until ctx is done, then
	// closes the channel.
	Subscribe(ctx context.Context, sessionID string) (<-chan Change, error)
}

func encode(c Change) string {
	b, _ := json.Marshal(c)
	return string(b)
}

func decode(s string) (Change, error) {
	var c Change
	err := json.Unmarshal([]byte(s), &c)
	return c, err
}

// InMemory fans changes out to subscribers in the same process.
type InMemory struct {
	mu   sync.Mutex
	subs map[string]map[chan Change]struct{}
}

// NewInMemory creates an empty in-process feed.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[string]map[chan Change]struct{})}
}

// Publish delivers c to every subscriber of its session. Slow subscribers
// miss notifications rather than block the publisher; one pending change is
// enough to trigger their refetch.
func (f *InMemory) Publish(ctx context.Context, c Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs[c.SessionID] {
		select {
		case ch <- c:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx is cancelled.
func (f *InMemory) Subscribe(ctx context.Context, sessionID string) (<-chan Change, error) {
	ch := make(chan Change, 1)
	f.mu.Lock()
	if f.subs[sessionID] == nil {
		f.subs[sessionID] = make(map[chan Change]struct{})
	}
	f.subs[sessionID][ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs[sessionID], ch)
		if len(f.subs[sessionID]) == 0 {
			delete(f.subs, sessionID)
		}
		close(ch)
		f.mu.Unlock()
	}()
	return ch, nil
}

// Subscribers returns the number of live subscriptions for a session.
func (f *InMemory) Subscribers(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[sessionID])
}
