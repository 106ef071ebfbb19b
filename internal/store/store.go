package store

import "context"

// Updater transforms a session state inside an atomic read-modify-write.
// It must be pure: no I/O, no retained references to the input.
type Updater func(SessionState) SessionState

// SessionStore defines the persistence layer contract.
// All implementations must be safe for concurrent use and must serialize
// UpdateAtomic calls per sessionID.
type SessionStore interface {
	// Sessions
	Get(ctx context.Context, sessionID string) (*SessionState, error)
	UpdateAtomic(ctx context.Context, sessionID string, updater Updater) error
	Delete(ctx context.Context, sessionID string) error

	// Run history
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	UpdateRun(ctx context.Context, runID string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
