package history

import (
	"encoding/json"
	"sync"

	"github.com/ComputerScienceAddict/getmyspeed/internal/util"
)

const (
	historyKey = "history"
	// DefaultLimit caps the retained result list.
	DefaultLimit = 20
)

// Store validates, repairs, and caps persisted test results. A single writer
// (the orchestrator) appends; readers take snapshots.
type Store struct {
	mu      sync.RWMutex
	kv      KV
	limit   int
	results []TestResult
	logger  util.Logger
}

// NewStore loads the persisted history, repairing entries in place. Corrupt
// payloads are treated as empty history. The repaired set is written back
// immediately so repeated loads are idempotent.
func NewStore(kv KV, limit int, logger util.Logger) (*Store, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	s := &Store{kv: kv, limit: limit, logger: logger}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, ok, err := s.kv.Get(historyKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var results []TestResult
	if err := json.Unmarshal(data, &results); err != nil {
		s.logger.Warn("history payload corrupt, starting empty", "error", err)
		s.results = nil
		return s.persist()
	}

	changed := false
	for i := range results {
		if repair(&results[i]) {
			changed = true
		}
	}
	if len(results) > s.limit {
		results = results[:s.limit]
		changed = true
	}
	s.results = results
	if changed {
		return s.persist()
	}
	return nil
}

// Append prepends a result (repaired to satisfy the invariants) and evicts
// the oldest entries beyond the cap.
func (s *Store) Append(result TestResult) error {
	repair(&result)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append([]TestResult{result}, s.results...)
	if len(s.results) > s.limit {
		s.results = s.results[:s.limit]
	}
	return s.persist()
}

// Snapshot returns a copy of the stored results, most recent first.
func (s *Store) Snapshot() []TestResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TestResult, len(s.results))
	copy(out, s.results)
	return out
}

// Clear empties the store.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = nil
	return s.kv.Remove(historyKey)
}

func (s *Store) persist() error {
	data, err := json.Marshal(s.results)
	if err != nil {
		return err
	}
	return s.kv.Set(historyKey, data)
}
