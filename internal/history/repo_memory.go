package history

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MemoryRepo is a simple in-memory call-log repository for tests and early
// development. It is not intended for production use.
type MemoryRepo struct {
	mu      sync.Mutex
	order   []string
	records map[string]Record

	// FailWith, when set, makes every mutation fail. Used to exercise the
	// best-effort contract of the sink.
	FailWith error
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: make(map[string]Record)}
}

func (r *MemoryRepo) Insert(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return r.FailWith
	}
	if _, ok := r.records[rec.CallID]; ok {
		return errors.New("history: duplicate call_id")
	}
	r.order = append(r.order, rec.CallID)
	r.records[rec.CallID] = rec
	return nil
}

func (r *MemoryRepo) UpdateStatus(ctx context.Context, u StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return r.FailWith
	}
	rec, ok := r.records[u.CallID]
	if !ok {
		return errors.New("history: unknown call_id")
	}
	rec.Status = u.Status
	rec.Actions = append(rec.Actions, u.Entry)
	if u.EndTime != nil && rec.EndTime == nil {
		rec.EndTime = u.EndTime
	}
	if u.DurationSeconds != nil && rec.DurationSeconds == nil {
		rec.DurationSeconds = u.DurationSeconds
	}
	r.records[u.CallID] = rec
	return nil
}

func (r *MemoryRepo) List(ctx context.Context, f Filters) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		rec := r.records[id]
		if f.ParticipantName != "" && !strings.Contains(strings.ToLower(rec.ParticipantName), strings.ToLower(f.ParticipantName)) {
			continue
		}
		if f.ParticipantAddress != "" && !strings.Contains(rec.ParticipantAddress, f.ParticipantAddress) {
			continue
		}
		if !f.StartDate.IsZero() && rec.StartTime.Before(f.StartDate) {
			continue
		}
		if !f.EndDate.IsZero() && rec.StartTime.After(f.EndDate) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *MemoryRepo) Get(ctx context.Context, callID string) (Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[callID]
	return rec, ok, nil
}
