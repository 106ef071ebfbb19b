package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory SessionStore for tests and ephemeral runs.
// UpdateAtomic is serialized per sessionID by a single store-wide mutex;
// sessions are deep-copied on read so callers never share internal maps.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]SessionState
	runs     map[string]*Run
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]SessionState),
		runs:     make(map[string]*Run),
	}
}

func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	copied := copySession(state)
	return &copied, nil
}

func (s *MemoryStore) UpdateAtomic(ctx context.Context, sessionID string, updater Updater) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	current, ok := s.sessions[sessionID]
	if !ok {
		current = SessionState{SessionID: sessionID, CreatedAt: now}
	}

	next := updater(copySession(current))
	next.SessionID = sessionID
	next.UpdatedAt = now
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	s.sessions[sessionID] = next
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return storeNotFound("session", sessionID)
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *run
	copied.StartedAt = timeOrNow(run.StartedAt)
	s.runs[run.ID] = &copied
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, storeNotFound("run", runID)
	}
	copied := *run
	return &copied, nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, runID string, update RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return storeNotFound("run", runID)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Error != "" {
		run.Error = update.Error
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	if update.DurationMs != nil {
		run.DurationMs = *update.DurationMs
	}
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []*Run
	for _, run := range s.runs {
		if filter.SessionID != "" && run.SessionID != filter.SessionID {
			continue
		}
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		copied := *run
		runs = append(runs, &copied)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// copySession deep-copies a session through JSON so callers cannot alias
// the store's internal maps.
func copySession(state SessionState) SessionState {
	raw, err := json.Marshal(state)
	if err != nil {
		return state
	}
	var copied SessionState
	if err := json.Unmarshal(raw, &copied); err != nil {
		return state
	}
	return copied
}
