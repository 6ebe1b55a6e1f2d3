package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

var (
	ErrNotFound          = errors.New("call: not found")
	ErrValidation        = errors.New("call: validation failed")
	ErrInvalidProvider   = errors.New("call: invalid provider")
	ErrInvalidTransition = errors.New("call: invalid transition")
	ErrInvalidArgument   = errors.New("call: invalid argument")
	ErrNotTerminal       = errors.New("call: session not terminal")
)

// ProviderDirectory is the read-only provider lookup the registry consults
// at creation time.
type ProviderDirectory interface {
	Known(id string) bool
}

// session pairs the exported snapshot with its lifecycle machine.
// mu serializes all mutation of a single call; distinct calls never contend.
type session struct {
	mu        sync.Mutex
	lifecycle *fsm.FSM
	data      Session
}

// newLifecycle reifies the status transition table. Mute/unmute/dtmf are
// handled outside the machine: they never change Status.
func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(
		string(StatusInitializing),
		fsm.Events{
			{Name: string(ActionRinging), Src: []string{string(StatusInitializing)}, Dst: string(StatusConnecting)},
			{Name: string(ActionEstablish), Src: []string{string(StatusConnecting)}, Dst: string(StatusConnected)},
			{Name: string(ActionFail), Src: []string{string(StatusInitializing), string(StatusConnecting)}, Dst: string(StatusFailed)},
			{Name: string(ActionHangup), Src: []string{string(StatusInitializing), string(StatusConnecting), string(StatusConnected)}, Dst: string(StatusEnded)},
		},
		fsm.Callbacks{},
	)
}

// Registry is the authoritative, thread-safe store of call sessions.
//
// Locking model: the registry mutex guards only the id -> session map
// (insert, lookup, delete). Per-session mutation is guarded by the session's
// own mutex, so actions against distinct calls proceed in parallel while
// actions against one call are strictly serialized.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	providers ProviderDirectory

	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewRegistry(providers ProviderDirectory) *Registry {
	return &Registry{
		sessions:  make(map[string]*session),
		providers: providers,
		clock:     time.Now,
	}
}

// CreateRequest carries the validated-at-the-edge call parameters.
type CreateRequest struct {
	ParticipantName    string
	ParticipantAddress string
	MediaKind          MediaKind
	ProviderID         string
}

// Create registers a new session in status "initializing".
//
// Call ids are uuid v4 (crypto/rand backed) so live calls cannot be
// enumerated by guessing.
func (r *Registry) Create(req CreateRequest) (Session, error) {
	if req.ParticipantName == "" {
		return Session{}, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if !ValidPhone(req.ParticipantAddress) {
		return Session{}, fmt.Errorf("%w: phone must be a valid number", ErrValidation)
	}
	if !ValidMediaKind(req.MediaKind) {
		return Session{}, fmt.Errorf("%w: callType must be audio or video", ErrValidation)
	}
	if r.providers == nil || !r.providers.Known(req.ProviderID) {
		return Session{}, fmt.Errorf("%w: %q", ErrInvalidProvider, req.ProviderID)
	}

	now := r.clock().UTC()
	s := &session{
		lifecycle: newLifecycle(),
		data: Session{
			ID:                 uuid.NewString(),
			ParticipantName:    req.ParticipantName,
			ParticipantAddress: req.ParticipantAddress,
			MediaKind:          req.MediaKind,
			ProviderID:         req.ProviderID,
			Status:             StatusInitializing,
			StartedAt:          now,
			ActionLog: []ActionEntry{{
				Type:      "initialize",
				Timestamp: now,
				Status:    StatusInitializing,
			}},
		},
	}

	r.mu.Lock()
	r.sessions[s.data.ID] = s
	r.mu.Unlock()

	return s.snapshot(), nil
}

// Get returns a copy of the session, or ErrNotFound.
func (r *Registry) Get(id string) (Session, error) {
	s, ok := r.lookup(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// Apply validates act against the session's current status, mutates the
// session and appends one action-log entry. The returned snapshot reflects
// the state after the action.
//
// Errors: ErrNotFound for unknown ids, ErrInvalidArgument for a malformed
// DTMF digit, ErrInvalidTransition when act is not legal from the current
// status. On error nothing is mutated.
func (r *Registry) Apply(ctx context.Context, id string, act Action, dtmfDigit string) (Session, error) {
	s, ok := r.lookup(id)
	if !ok {
		return Session{}, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.Status.Terminal() {
		return Session{}, fmt.Errorf("%w: call is %s", ErrInvalidTransition, s.data.Status)
	}

	now := r.clock().UTC()

	switch act {
	case ActionMute, ActionUnmute:
		if s.data.Status != StatusConnected {
			return Session{}, fmt.Errorf("%w: cannot %s while %s", ErrInvalidTransition, act, s.data.Status)
		}
		s.data.Muted = act == ActionMute

	case ActionDTMF:
		if !ValidDTMFDigit(dtmfDigit) {
			return Session{}, fmt.Errorf("%w: dtmf digit must match [0-9*#]", ErrInvalidArgument)
		}
		if s.data.Status != StatusConnected {
			return Session{}, fmt.Errorf("%w: cannot send dtmf while %s", ErrInvalidTransition, s.data.Status)
		}
		// Status unchanged; the orchestrator emits dtmf_processed.

	case ActionHangup, ActionRinging, ActionEstablish, ActionFail:
		if err := s.lifecycle.Event(ctx, string(act)); err != nil {
			return Session{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, act, s.data.Status)
		}
		s.data.Status = Status(s.lifecycle.Current())
		if s.data.Status.Terminal() && s.data.EndedAt == nil {
			end := now
			s.data.EndedAt = &end
		}

	default:
		return Session{}, fmt.Errorf("%w: unknown action %q", ErrInvalidArgument, act)
	}

	s.data.ActionLog = append(s.data.ActionLog, ActionEntry{
		Type:      string(act),
		Timestamp: now,
		Status:    s.data.Status,
	})

	return s.snapshot(), nil
}

// Remove evicts a terminal session. Removing a live session is an error so
// that a buggy caller cannot drop authoritative state.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	terminal := s.data.Status.Terminal()
	s.mu.Unlock()
	if !terminal {
		return ErrNotTerminal
	}
	delete(r.sessions, id)
	return nil
}

// Sweep evicts terminal sessions whose grace period has elapsed and returns
// how many were removed. Live sessions are never touched.
func (r *Registry) Sweep(now time.Time, grace time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		s.mu.Lock()
		expired := s.data.EndedAt != nil && now.Sub(*s.data.EndedAt) >= grace
		s.mu.Unlock()
		if expired {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// List returns snapshots of every registered session, newest first.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		s.mu.Lock()
		out = append(out, s.snapshot())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// ActiveCount returns the number of non-terminal sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.sessions {
		s.mu.Lock()
		if !s.data.Status.Terminal() {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

func (r *Registry) lookup(id string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// snapshot deep-copies the session so no caller can reach back into
// registry-owned state. Callers must hold s.mu.
func (s *session) snapshot() Session {
	out := s.data
	out.ActionLog = append([]ActionEntry(nil), s.data.ActionLog...)
	if s.data.EndedAt != nil {
		end := *s.data.EndedAt
		out.EndedAt = &end
	}
	return out
}
