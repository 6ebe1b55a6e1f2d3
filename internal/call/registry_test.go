package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeProviders struct{ known map[string]bool }

func (f fakeProviders) Known(id string) bool { return f.known[id] }

func newTestRegistry() *Registry {
	return NewRegistry(fakeProviders{known: map[string]bool{"cube": true, "ribbon": true}})
}

func validCreate() CreateRequest {
	return CreateRequest{
		ParticipantName:    "Ann",
		ParticipantAddress: "+15551230000",
		MediaKind:          MediaAudio,
		ProviderID:         "cube",
	}
}

func mustCreate(t *testing.T, r *Registry) Session {
	t.Helper()
	s, err := r.Create(validCreate())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return s
}

func connect(t *testing.T, r *Registry, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := r.Apply(ctx, id, ActionRinging, ""); err != nil {
		t.Fatalf("ringing failed: %v", err)
	}
	if _, err := r.Apply(ctx, id, ActionEstablish, ""); err != nil {
		t.Fatalf("establish failed: %v", err)
	}
}

func TestCreate_UniqueIDs(t *testing.T) {
	r := newTestRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		s := mustCreate(t, r)
		if seen[s.ID] {
			t.Fatalf("duplicate call id %q", s.ID)
		}
		seen[s.ID] = true
	}
}

func TestCreate_InitialState(t *testing.T) {
	r := newTestRegistry()
	s := mustCreate(t, r)

	if s.Status != StatusInitializing {
		t.Fatalf("expected initializing, got %s", s.Status)
	}
	if s.Muted {
		t.Fatalf("expected unmuted")
	}
	if s.EndedAt != nil {
		t.Fatalf("expected no end time")
	}
	if len(s.ActionLog) != 1 || s.ActionLog[0].Type != "initialize" {
		t.Fatalf("expected single initialize log entry, got %+v", s.ActionLog)
	}
}

func TestCreate_Validation(t *testing.T) {
	r := newTestRegistry()

	cases := []struct {
		name string
		mod  func(*CreateRequest)
		want error
	}{
		{"empty name", func(q *CreateRequest) { q.ParticipantName = "" }, ErrValidation},
		{"bad phone", func(q *CreateRequest) { q.ParticipantAddress = "not-a-phone" }, ErrValidation},
		{"leading zero phone", func(q *CreateRequest) { q.ParticipantAddress = "+05551230000" }, ErrValidation},
		{"bad media kind", func(q *CreateRequest) { q.MediaKind = "fax" }, ErrValidation},
		{"unknown provider", func(q *CreateRequest) { q.ProviderID = "asterisk" }, ErrInvalidProvider},
	}
	for _, tc := range cases {
		req := validCreate()
		tc.mod(&req)
		if _, err := r.Create(req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestApply_FullLifecycle(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	s := mustCreate(t, r)

	got, err := r.Apply(ctx, s.ID, ActionRinging, "")
	if err != nil || got.Status != StatusConnecting {
		t.Fatalf("ringing: %v status=%s", err, got.Status)
	}
	got, err = r.Apply(ctx, s.ID, ActionEstablish, "")
	if err != nil || got.Status != StatusConnected {
		t.Fatalf("establish: %v status=%s", err, got.Status)
	}

	got, err = r.Apply(ctx, s.ID, ActionMute, "")
	if err != nil || !got.Muted || got.Status != StatusConnected {
		t.Fatalf("mute: %v muted=%v status=%s", err, got.Muted, got.Status)
	}
	got, err = r.Apply(ctx, s.ID, ActionUnmute, "")
	if err != nil || got.Muted {
		t.Fatalf("unmute: %v muted=%v", err, got.Muted)
	}

	got, err = r.Apply(ctx, s.ID, ActionDTMF, "5")
	if err != nil || got.Status != StatusConnected {
		t.Fatalf("dtmf: %v status=%s", err, got.Status)
	}

	got, err = r.Apply(ctx, s.ID, ActionHangup, "")
	if err != nil || got.Status != StatusEnded {
		t.Fatalf("hangup: %v status=%s", err, got.Status)
	}
	if got.EndedAt == nil {
		t.Fatalf("expected end time on hangup")
	}
	if got.DurationSeconds(time.Now()) < 0 {
		t.Fatalf("expected non-negative duration")
	}

	// initialize + 6 actions
	if len(got.ActionLog) != 7 {
		t.Fatalf("expected 7 log entries, got %d", len(got.ActionLog))
	}
}

func TestApply_TerminalRejectsEverything(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	s := mustCreate(t, r)
	if _, err := r.Apply(ctx, s.ID, ActionHangup, ""); err != nil {
		t.Fatalf("hangup failed: %v", err)
	}

	before, _ := r.Get(s.ID)

	for _, act := range []Action{ActionMute, ActionUnmute, ActionHangup, ActionDTMF, ActionRinging, ActionEstablish, ActionFail} {
		if _, err := r.Apply(ctx, s.ID, act, "5"); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s on terminal call: expected ErrInvalidTransition, got %v", act, err)
		}
	}

	after, _ := r.Get(s.ID)
	if len(after.ActionLog) != len(before.ActionLog) {
		t.Fatalf("action log mutated on rejected action")
	}
	if !after.EndedAt.Equal(*before.EndedAt) {
		t.Fatalf("end time mutated on rejected action")
	}
}

func TestApply_DTMFInvalidDigit(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	s := mustCreate(t, r)
	connect(t, r, s.ID)

	before, _ := r.Get(s.ID)
	if _, err := r.Apply(ctx, s.ID, ActionDTMF, "X"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	after, _ := r.Get(s.ID)
	if len(after.ActionLog) != len(before.ActionLog) {
		t.Fatalf("action log appended on rejected dtmf")
	}
}

func TestApply_IllegalTransitions(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	s := mustCreate(t, r)
	// mute before connected
	if _, err := r.Apply(ctx, s.ID, ActionMute, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for early mute, got %v", err)
	}
	// establish before ringing
	if _, err := r.Apply(ctx, s.ID, ActionEstablish, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for early establish, got %v", err)
	}

	// fail is only legal before connected
	connect(t, r, s.ID)
	if _, err := r.Apply(ctx, s.ID, ActionFail, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for fail while connected, got %v", err)
	}
}

func TestApply_FailFromConnecting(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	s := mustCreate(t, r)
	if _, err := r.Apply(ctx, s.ID, ActionRinging, ""); err != nil {
		t.Fatalf("ringing failed: %v", err)
	}

	got, err := r.Apply(ctx, s.ID, ActionFail, "")
	if err != nil || got.Status != StatusFailed {
		t.Fatalf("fail: %v status=%s", err, got.Status)
	}
	if got.EndedAt == nil {
		t.Fatalf("expected end time on failure")
	}
}

func TestApply_UnknownCall(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Apply(context.Background(), "nope", ActionMute, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemove_RequiresTerminal(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	s := mustCreate(t, r)

	if err := r.Remove(s.ID); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("expected ErrNotTerminal, got %v", err)
	}
	if _, err := r.Apply(ctx, s.ID, ActionHangup, ""); err != nil {
		t.Fatalf("hangup failed: %v", err)
	}
	if err := r.Remove(s.ID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := r.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestSweep_EvictsOnlyExpiredTerminal(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	live := mustCreate(t, r)
	done := mustCreate(t, r)
	if _, err := r.Apply(ctx, done.ID, ActionHangup, ""); err != nil {
		t.Fatalf("hangup failed: %v", err)
	}

	// Within grace: nothing evicted.
	if n := r.Sweep(time.Now(), time.Hour); n != 0 {
		t.Fatalf("expected 0 evicted, got %d", n)
	}
	// After grace: only the terminal session goes.
	if n := r.Sweep(time.Now().Add(2*time.Hour), time.Hour); n != 1 {
		t.Fatalf("expected 1 evicted, got %d", n)
	}
	if _, err := r.Get(live.ID); err != nil {
		t.Fatalf("live session evicted: %v", err)
	}
	if _, err := r.Get(done.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("terminal session not evicted")
	}
}

func TestApply_ConcurrentSameCallSerialized(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	s := mustCreate(t, r)
	connect(t, r, s.ID)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			act := ActionMute
			if i%2 == 0 {
				act = ActionUnmute
			}
			if _, err := r.Apply(ctx, s.ID, act, ""); err != nil {
				t.Errorf("apply failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	// 2 connect transitions + initialize + 50 toggles
	if len(got.ActionLog) != 53 {
		t.Fatalf("expected 53 log entries, got %d", len(got.ActionLog))
	}
	if got.Status != StatusConnected {
		t.Fatalf("unexpected status %s", got.Status)
	}
}

func TestSnapshot_DoesNotLeakRegistryState(t *testing.T) {
	r := newTestRegistry()
	s := mustCreate(t, r)

	s.ActionLog[0].Type = "tampered"
	again, _ := r.Get(s.ID)
	if again.ActionLog[0].Type != "initialize" {
		t.Fatalf("registry state mutated through snapshot")
	}
}
