package flow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultFlowTTL is how long an untouched in-progress flow is kept.
const DefaultFlowTTL = time.Hour

// Record is the persisted progress of one flow. Handlers are stateless between
// steps, so the record is all that is needed to resume a flow.
type Record struct {
	FlowID    string    `json:"flow_id"`
	Handler   string    `json:"handler"`
	StepID    string    `json:"step_id"`
	UniqueID  string    `json:"unique_id,omitempty"`
	// Required lists the required fields of the form shown last.
	Required  []string  `json:"required,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps in-progress flow records.
type Store interface {
	// Get returns the record of flowID or ErrUnknownFlow.
	Get(ctx context.Context, flowID string) (*Record, error)
	// Put creates or refreshes a record.
	Put(ctx context.Context, rec *Record) error
	// Delete removes a record; deleting an unknown flow is not an error.
	Delete(ctx context.Context, flowID string) error
	// List returns all live records.
	List(ctx context.Context) ([]*Record, error)
}

// MemoryStore is a process-local Store with idle expiry.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]Record
	now     func() time.Time
}

// NewMemoryStore creates a MemoryStore; ttl <= 0 uses DefaultFlowTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultFlowTTL
	}
	return &MemoryStore{ttl: ttl, records: make(map[string]Record), now: time.Now}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, flowID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	rec, ok := s.records[flowID]
	if !ok {
		return nil, ErrUnknownFlow
	}
	return &rec, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyRec := *rec
	copyRec.UpdatedAt = s.now().UTC()
	s.records[rec.FlowID] = copyRec
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, flowID string) error {
	s.mu.Lock()
	delete(s.records, flowID)
	s.mu.Unlock()
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		r := rec
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) purgeLocked() {
	cutoff := s.now().Add(-s.ttl)
	for id, rec := range s.records {
		if rec.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
		}
	}
}
