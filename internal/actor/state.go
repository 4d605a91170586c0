package actor

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/nexusnarrative/narrator/internal/apperr"
)

// StatePersistence stores per-task state so a restarted server can decide
// which tasks to resume.
type StatePersistence interface {
	SaveState(ctx context.Context, taskID string, state []byte) error
	LoadState(ctx context.Context, taskID string) ([]byte, error)
	ClearState(ctx context.Context, taskID string) error
}

// JSONFileState keeps task state in one JSON file.
type JSONFileState struct {
	mu   sync.Mutex
	path string
}

// NewJSONFileState creates a file-backed store at path.
func NewJSONFileState(path string) (*JSONFileState, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperr.New(apperr.KindStorage, "state.open", err, nil)
	}
	return &JSONFileState{path: path}, nil
}

func (s *JSONFileState) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, apperr.New(apperr.KindStorage, "state.read", err, nil)
	}
	out := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apperr.New(apperr.KindStorage, "state.read", err, nil)
	}
	return out, nil
}

func (s *JSONFileState) write(states map[string]json.RawMessage) error {
	data, err := json.Marshal(states)
	if err != nil {
		return apperr.New(apperr.KindStorage, "state.write", err, nil)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.New(apperr.KindStorage, "state.write", err, nil)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return apperr.New(apperr.KindStorage, "state.write", err, nil)
	}
	return nil
}

// SaveState upserts one task's state.
func (s *JSONFileState) SaveState(_ context.Context, taskID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	states, err := s.read()
	if err != nil {
		return err
	}
	states[taskID] = json.RawMessage(state)
	return s.write(states)
}

// LoadState returns one task's state, or NotFound.
func (s *JSONFileState) LoadState(_ context.Context, taskID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states, err := s.read()
	if err != nil {
		return nil, err
	}
	state, ok := states[taskID]
	if !ok {
		return nil, apperr.NotFound("state.load", "task state", taskID)
	}
	return state, nil
}

// ClearState removes one task's state; clearing absent state is a no-op.
func (s *JSONFileState) ClearState(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	states, err := s.read()
	if err != nil {
		return err
	}
	delete(states, taskID)
	return s.write(states)
}

// DBState keeps task state in a Postgres table, sharing the main pool.
// The SQLite local mode uses JSONFileState instead.
type DBState struct {
	db *sql.DB
}

const stateTableDDL = `
CREATE TABLE IF NOT EXISTS actor_task_state (
    task_id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT NOW()
)`

// NewDBState creates the table if needed and returns the store.
func NewDBState(ctx context.Context, db *sql.DB) (*DBState, error) {
	if _, err := db.ExecContext(ctx, stateTableDDL); err != nil {
		return nil, apperr.New(apperr.KindQuery, "state.open", err, nil)
	}
	return &DBState{db: db}, nil
}

// SaveState upserts one task's state.
func (s *DBState) SaveState(ctx context.Context, taskID string, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO actor_task_state (task_id, state, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (task_id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`,
		taskID, string(state))
	if err != nil {
		return apperr.New(apperr.KindQuery, "state.save", err, map[string]any{"task": taskID})
	}
	return nil
}

// LoadState returns one task's state, or NotFound.
func (s *DBState) LoadState(ctx context.Context, taskID string) ([]byte, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM actor_task_state WHERE task_id = $1", taskID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("state.load", "task state", taskID)
	}
	if err != nil {
		return nil, apperr.New(apperr.KindQuery, "state.load", err, map[string]any{"task": taskID})
	}
	return []byte(state), nil
}

// ClearState removes one task's state.
func (s *DBState) ClearState(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM actor_task_state WHERE task_id = $1", taskID)
	if err != nil {
		return apperr.New(apperr.KindQuery, "state.clear", err, map[string]any{"task": taskID})
	}
	return nil
}
