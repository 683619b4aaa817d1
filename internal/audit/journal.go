// internal/audit/journal.go
package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Journal is the append-only log of failover decisions
type Journal interface {
	// Append writes a new decision; the ID must be unused
	Append(ctx context.Context, decision Decision) error
	// Complete writes the terminal outcome of a pending decision
	Complete(ctx context.Context, id uuid.UUID, resolution Resolution) error
	// Pending returns decisions without an outcome, oldest first
	Pending(ctx context.Context) ([]Record, error)
	// List returns up to limit records, newest first; limit <= 0 means all
	List(ctx context.Context, limit int) ([]Record, error)
}

func prepareDecision(d *Decision) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
}

func prepareResolution(r *Resolution) error {
	if !r.Outcome.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, r.Outcome)
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	return nil
}

// MemoryJournal keeps the journal in process memory
type MemoryJournal struct {
	mu      sync.RWMutex
	records []Record
	index   map[uuid.UUID]int
}

// NewMemoryJournal creates an empty journal
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{index: make(map[uuid.UUID]int)}
}

// Append adds a decision
func (j *MemoryJournal) Append(_ context.Context, decision Decision) error {
	prepareDecision(&decision)

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, exists := j.index[decision.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDecision, decision.ID)
	}
	j.index[decision.ID] = len(j.records)
	j.records = append(j.records, Record{Decision: decision})
	return nil
}

// Complete resolves a pending decision
func (j *MemoryJournal) Complete(_ context.Context, id uuid.UUID, resolution Resolution) error {
	if err := prepareResolution(&resolution); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	i, ok := j.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDecisionNotFound, id)
	}
	if j.records[i].Resolution != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	j.records[i].Resolution = &resolution
	return nil
}

// Pending returns unresolved decisions
func (j *MemoryJournal) Pending(_ context.Context) ([]Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Record
	for _, r := range j.records {
		if r.Pending() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Timestamp.Before(out[b].Timestamp)
	})
	return out, nil
}

// List returns the newest records first
func (j *MemoryJournal) List(_ context.Context, limit int) ([]Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	n := len(j.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, 0, n)
	for i := len(j.records) - 1; i >= 0 && len(out) < n; i-- {
		r := j.records[i]
		if r.Resolution != nil {
			res := *r.Resolution
			r.Resolution = &res
		}
		out = append(out, r)
	}
	return out, nil
}
