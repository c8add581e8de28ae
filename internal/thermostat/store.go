package thermostat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// GenerateID returns a new thermostat ID.
func GenerateID() string {
	return uuid.NewString()
}

// MemoryStore is a Store that keeps records in memory only.
// It is used when no database is configured and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]State
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]State)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, label, port string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if strings.EqualFold(r.Label, label) || r.Port == port {
			return State{}, fmt.Errorf("%w: %w: %q on %s", ErrInvalidArgument, ErrDuplicate, label, port)
		}
	}

	st := State{ID: GenerateID(), Label: label, Port: port}
	s.records[st.ID] = st
	return st, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.records, id)
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
