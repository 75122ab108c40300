// Package store persists the last-known-good session snapshot per agent, so a
// restarted console can show its queue before the first live read completes.
package store

import (
	"context"
	"time"

	"github.com/cuts-ae/support/internal/session"
)

// SnapshotStore saves and restores the agent's last applied snapshot.
type SnapshotStore interface {
	// Save replaces the stored snapshot for agentID.
	Save(ctx context.Context, agentID string, sessions []session.Session) error

	// Load returns the stored snapshot and when it was saved. A missing
	// snapshot is not an error: it returns nil sessions and a zero time.
	Load(ctx context.Context, agentID string) ([]session.Session, time.Time, error)

	// Close releases the backend connection.
	Close() error
}

// record is the serialized form shared by the backends.
type record struct {
	SavedAt  int64             `json:"saved_at"`
	Sessions []session.Session `json:"sessions"`
}
