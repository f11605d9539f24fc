package record

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a record id is not (or no longer) in the
// store. A settlement arriving for a removed record treats this as a no-op.
var ErrNotFound = errors.New("record not found")

// InvalidTransitionError reports an attempt to move a record to a status its
// current status does not allow.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for record %s: %s -> %s", e.ID, e.From, e.To)
}

// Store is the ordered, mutex-guarded collection of file records. Iteration
// order is insertion order; removal keeps the remaining order intact.
// Concurrent settlements apply one record at a time, keyed by id.
type Store struct {
	mu      sync.RWMutex
	order   []string
	records map[string]*FileRecord
}

func NewStore() *Store {
	return &Store{records: make(map[string]*FileRecord)}
}

// Add appends a record. Duplicate ids are rejected; ids are never reused.
func (s *Store) Add(rec *FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("duplicate record id %s", rec.ID)
	}

	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)

	return nil
}

// Get returns a snapshot copy of the record.
func (s *Store) Get(id string) (FileRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return FileRecord{}, false
	}

	return *rec, true
}

// List returns snapshot copies of all records in insertion order.
func (s *Store) List() []FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]FileRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.records[id])
	}

	return out
}

// Eligible returns snapshot copies of the records a new analysis cycle picks
// up: pending records plus error records on the retry path.
func (s *Store) Eligible() []FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []FileRecord

	for _, id := range s.order {
		if rec := s.records[id]; rec.Status.Eligible() {
			out = append(out, *rec)
		}
	}

	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.order)
}

// Remove deletes a record. An in-flight request for it settles as a no-op.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return false
	}

	delete(s.records, id)

	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)

			break
		}
	}

	return true
}

// Clear empties the store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = nil
	s.records = make(map[string]*FileRecord)
}

// MarkAnalyzing moves a pending or errored record into the analyzing state.
// Completed records never re-enter analysis.
func (s *Store) MarkAnalyzing(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}

	if !rec.Status.Eligible() {
		return &InvalidTransitionError{ID: id, From: rec.Status, To: StatusAnalyzing}
	}

	rec.Status = StatusAnalyzing
	rec.FailureReason = ""

	return nil
}

// Complete attaches the result and marks the record completed in a single
// critical section, so a partially populated result is never observable.
func (s *Store) Complete(id string, res *Result) error {
	if res == nil {
		return fmt.Errorf("completing record %s without a result", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}

	if rec.Status != StatusAnalyzing {
		return &InvalidTransitionError{ID: id, From: rec.Status, To: StatusCompleted}
	}

	rec.Status = StatusCompleted
	rec.Result = res
	rec.FailureReason = ""

	return nil
}

// MarkError records a per-record failure. The failure stays on the record
// until an explicit retry re-enters analysis.
func (s *Store) MarkError(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}

	if rec.Status.Terminal() {
		return &InvalidTransitionError{ID: id, From: rec.Status, To: StatusError}
	}

	rec.Status = StatusError
	rec.FailureReason = reason

	return nil
}
