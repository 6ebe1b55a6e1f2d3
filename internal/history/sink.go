package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	queueSize = 256
	opTimeout = 5 * time.Second
)

// Sink decouples the in-memory state machine from durable history writes.
//
// Events are enqueued without blocking and applied by a single background
// worker; a failed or slow repository can therefore never stall or fail a
// call transition. That makes history best-effort by contract: failures are
// logged, never surfaced, never rolled back.
type Sink struct {
	repo Repository
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
	events chan event

	done chan struct{}
}

type event struct {
	insert *Record
	update *StatusUpdate
}

func NewSink(repo Repository, log *slog.Logger) *Sink {
	s := &Sink{
		repo:   repo,
		log:    log,
		events: make(chan event, queueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// CallCreated records the initial history row for a new session.
func (s *Sink) CallCreated(rec Record) {
	s.enqueue(event{insert: &rec})
}

// StatusChanged records a state transition.
func (s *Sink) StatusChanged(u StatusUpdate) {
	s.enqueue(event{update: &u})
}

// enqueue never blocks: when the queue is full the event is dropped with a
// log entry, per the best-effort contract.
func (s *Sink) enqueue(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.log.Warn("history event after close, dropping")
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("history queue full, dropping event")
	}
}

// Close stops accepting events, drains the queue and waits for the worker.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	for ev := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		s.apply(ctx, ev)
		cancel()
	}
}

func (s *Sink) apply(ctx context.Context, ev event) {
	switch {
	case ev.insert != nil:
		if err := s.repo.Insert(ctx, *ev.insert); err != nil {
			s.log.Error("history insert failed", "call_id", ev.insert.CallID, "err", err)
		}
	case ev.update != nil:
		if err := s.repo.UpdateStatus(ctx, *ev.update); err != nil {
			s.log.Error("history update failed", "call_id", ev.update.CallID, "err", err)
		}
	}
}
