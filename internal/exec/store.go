package exec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists ledger state as one JSON file per pair. Writes go to a
// .tmp file first and rename over the target, so a crash mid-save never
// leaves a corrupt file.
type Store struct {
	dir string
	mu  sync.Mutex
}

// OpenStore creates a store backed by the given directory.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(restPair string) string {
	return filepath.Join(s.dir, "ledger_"+restPair+".json")
}

// Save atomically persists the ledger state for a pair.
func (s *Store) Save(restPair string, state ledgerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	path := s.path(restPair)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores ledger state for a pair. Returns ok=false when no
// saved state exists.
func (s *Store) Load(restPair string) (ledgerState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(restPair))
	if err != nil {
		if os.IsNotExist(err) {
			return ledgerState{}, false, nil
		}
		return ledgerState{}, false, fmt.Errorf("read ledger: %w", err)
	}

	var state ledgerState
	if err := json.Unmarshal(data, &state); err != nil {
		return ledgerState{}, false, fmt.Errorf("unmarshal ledger: %w", err)
	}
	return state, true, nil
}
