package status

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get for unknown sessions.
var ErrNotFound = errors.New("status record not found")

// Record is the externally visible status of one session.
type Record struct {
	SessionID string
	CallID    string
	State     State
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists status records keyed by session id.
type Store interface {
	Get(ctx context.Context, sessionID string) (Record, error)
	// Put writes state and reason, creating the record if needed.
	Put(ctx context.Context, rec Record) error
	// LinkCall attaches a call id to an existing record without touching
	// its state.
	LinkCall(ctx context.Context, sessionID, callID string) error
	// Touch refreshes the record's update time.
	Touch(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

// NopStore discards every write. It is used when no status store is
// configured.
type NopStore struct{}

func (NopStore) Get(context.Context, string) (Record, error) { return Record{}, ErrNotFound }
func (NopStore) Put(context.Context, Record) error { return nil }
func (NopStore) LinkCall(context.Context, string, string) error { return nil }
func (NopStore) Touch(context.Context, string) error { return nil }
func (NopStore) Delete(context.Context, string) error { return nil }
func (NopStore) Close() error { return nil }
