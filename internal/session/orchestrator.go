package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/t3chn0func/webio/internal/call"
	"github.com/t3chn0func/webio/internal/history"
	"github.com/t3chn0func/webio/internal/provider"
	"github.com/t3chn0func/webio/internal/stats"
)

// ErrProviderBusy is returned when a provider's concurrent-call cap is hit.
var ErrProviderBusy = errors.New("session: provider at capacity")

// Broadcaster is the fan-out surface the orchestrator drives after every
// accepted transition.
type Broadcaster interface {
	BroadcastCallStatus(callID, status string)
	BroadcastDTMFProcessed(callID, digit, method string)
}

// Recorder receives best-effort history events. Implementations must never
// block; see history.Sink.
type Recorder interface {
	CallCreated(rec history.Record)
	StatusChanged(u history.StatusUpdate)
}

// Orchestrator is the coordination layer: it validates and applies actions
// through the call registry, fans resulting state out to attached
// connections, and reports transitions to the history sink without ever
// waiting on it.
type Orchestrator struct {
	registry  *call.Registry
	fanout    Broadcaster
	recorder  Recorder
	providers *provider.Registry
	driver    Driver

	limiter ConcurrencyLimiter
	metrics *stats.Collector
	log     *slog.Logger

	initTimeout time.Duration
	clock       func() time.Time

	// callLocks serializes the apply-then-broadcast pair per call, so
	// broadcasts leave in the same order as the transitions that caused
	// them. Entries are dropped once a call is terminal.
	callLocks sync.Map // call id -> *sync.Mutex

	// slots marks calls that actually hold a provider cap slot. A call
	// admitted because the limiter was unreachable holds no slot and must
	// not release one on its terminal transition.
	slots sync.Map // call id -> struct{}
}

// Params collects the orchestrator's collaborators. Limiter and Metrics are
// optional.
type Params struct {
	Registry  *call.Registry
	Fanout    Broadcaster
	Recorder  Recorder
	Providers *provider.Registry
	Driver    Driver

	Limiter ConcurrencyLimiter
	Metrics *stats.Collector
	Log     *slog.Logger

	InitTimeout time.Duration
}

func New(p Params) *Orchestrator {
	if p.Log == nil {
		p.Log = slog.Default()
	}
	if p.InitTimeout <= 0 {
		p.InitTimeout = 30 * time.Second
	}
	return &Orchestrator{
		registry:    p.Registry,
		fanout:      p.Fanout,
		recorder:    p.Recorder,
		providers:   p.Providers,
		driver:      p.Driver,
		limiter:     p.Limiter,
		metrics:     p.Metrics,
		log:         p.Log,
		initTimeout: p.InitTimeout,
		clock:       time.Now,
	}
}

// StartRequest carries a validated create-call request.
type StartRequest struct {
	ParticipantName    string
	ParticipantAddress string
	MediaKind          call.MediaKind
	ProviderID         string
}

// StartResult is the session plus the provider parameters the caller needs
// to establish media.
type StartResult struct {
	Session call.Session
	Params  provider.ConnectionParams
}

// StartCall creates a session, kicks off signaling and arms the
// initialization timeout.
func (o *Orchestrator) StartCall(ctx context.Context, req StartRequest) (StartResult, error) {
	cfg, err := o.providers.Get(req.ProviderID)
	if err != nil {
		return StartResult{}, err
	}

	holdsSlot := false
	if o.limiter != nil {
		ok, err := o.limiter.Acquire(ctx, req.ProviderID)
		if err != nil {
			// The cap is a protection, not a dependency: if redis is
			// unreachable the call proceeds.
			o.log.Error("concurrency cap check failed, admitting call", "provider_id", req.ProviderID, "err", err)
		} else if !ok {
			return StartResult{}, fmt.Errorf("%w: %s", ErrProviderBusy, req.ProviderID)
		} else {
			holdsSlot = true
		}
	}

	sess, err := o.registry.Create(call.CreateRequest{
		ParticipantName:    req.ParticipantName,
		ParticipantAddress: req.ParticipantAddress,
		MediaKind:          req.MediaKind,
		ProviderID:         req.ProviderID,
	})
	if err != nil {
		if holdsSlot {
			o.limiter.Release(ctx, req.ProviderID)
		}
		return StartResult{}, err
	}

	if holdsSlot {
		o.slots.Store(sess.ID, struct{}{})
	}

	if o.metrics != nil {
		o.metrics.CallStarted()
	}
	o.recorder.CallCreated(history.NewRecord(sess))

	o.log.Info("call created",
		"call_id", sess.ID, "provider_id", sess.ProviderID, "call_type", sess.MediaKind)

	go o.runSignaling(sess)
	o.armInitTimeout(sess.ID)

	return StartResult{Session: sess, Params: cfg.Params()}, nil
}

// Status returns the session and its elapsed (or final) duration in whole
// seconds.
func (o *Orchestrator) Status(callID string) (call.Session, int, error) {
	sess, err := o.registry.Get(callID)
	if err != nil {
		return call.Session{}, 0, err
	}
	return sess, sess.DurationSeconds(o.clock()), nil
}

// List returns every session the registry currently holds, newest first.
func (o *Orchestrator) List() []call.Session {
	return o.registry.List()
}

// Apply runs one caller action against a call and performs the fan-out and
// history side effects of an accepted transition.
func (o *Orchestrator) Apply(ctx context.Context, callID string, act call.Action, dtmfDigit string) (call.Session, error) {
	if !call.UserAction(act) {
		return call.Session{}, fmt.Errorf("%w: unknown action %q", call.ErrInvalidArgument, act)
	}
	return o.apply(ctx, callID, act, dtmfDigit)
}

// HandleSignal consumes progress from the signaling driver. Errors are
// logged, not surfaced: a signaling event racing a hangup is normal.
func (o *Orchestrator) HandleSignal(callID string, ev SignalingEvent) {
	var act call.Action
	switch ev {
	case SignalConnecting:
		act = call.ActionRinging
	case SignalEstablished:
		act = call.ActionEstablish
	case SignalFailed:
		act = call.ActionFail
	default:
		o.log.Warn("unknown signaling event", "call_id", callID, "event", ev)
		return
	}

	if _, err := o.apply(context.Background(), callID, act, ""); err != nil {
		o.log.Info("signaling event not applied", "call_id", callID, "event", ev, "err", err)
	}
}

func (o *Orchestrator) apply(ctx context.Context, callID string, act call.Action, dtmfDigit string) (call.Session, error) {
	mu := o.lockFor(callID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := o.registry.Apply(ctx, callID, act, dtmfDigit)
	if err != nil {
		return call.Session{}, err
	}

	o.afterTransition(ctx, sess, act, dtmfDigit)
	return sess, nil
}

// afterTransition performs the fan-out and history side effects of one
// accepted action. Called with the per-call lock held, so broadcasts leave
// in transition order.
func (o *Orchestrator) afterTransition(ctx context.Context, sess call.Session, act call.Action, dtmfDigit string) {
	if act == call.ActionDTMF {
		method := "info"
		if cfg, err := o.providers.Get(sess.ProviderID); err == nil {
			method = cfg.Media.Audio.DTMFType
		}
		o.fanout.BroadcastDTMFProcessed(sess.ID, dtmfDigit, method)
	} else {
		o.fanout.BroadcastCallStatus(sess.ID, string(sess.Status))
	}

	update := history.StatusUpdate{
		CallID: sess.ID,
		Status: string(sess.Status),
		Entry:  sess.ActionLog[len(sess.ActionLog)-1],
	}
	if sess.Terminal() {
		update.EndTime = sess.EndedAt
		d := sess.DurationSeconds(o.clock())
		update.DurationSeconds = &d
	}
	o.recorder.StatusChanged(update)

	if sess.Terminal() {
		o.finishCall(ctx, sess, act)
	}
}

func (o *Orchestrator) finishCall(ctx context.Context, sess call.Session, act call.Action) {
	if o.metrics != nil {
		o.metrics.CallFinished(sess.Status == call.StatusFailed)
	}
	if _, held := o.slots.LoadAndDelete(sess.ID); held {
		o.limiter.Release(ctx, sess.ProviderID)
	}
	if act == call.ActionHangup {
		if err := o.driver.Hangup(ctx, sess.ID); err != nil {
			o.log.Error("signaling hangup failed", "call_id", sess.ID, "err", err)
		}
	}
	o.callLocks.Delete(sess.ID)

	o.log.Info("call finished",
		"call_id", sess.ID, "status", sess.Status, "duration_s", sess.DurationSeconds(o.clock()))
}

func (o *Orchestrator) runSignaling(sess call.Session) {
	err := o.driver.Dial(context.Background(), sess, func(ev SignalingEvent) {
		o.HandleSignal(sess.ID, ev)
	})
	if err != nil {
		o.log.Error("dial failed", "call_id", sess.ID, "err", err)
		o.HandleSignal(sess.ID, SignalFailed)
	}
}

// armInitTimeout fails the call if it never leaves "initializing". The
// timeout is an explicit policy (config CALL_INIT_TIMEOUT), not a silent
// default buried in the signaling layer.
//
// The status check and the fail run under the per-call lock: a call that
// reaches "connecting" concurrently with the timer firing must not be
// failed.
func (o *Orchestrator) armInitTimeout(callID string) {
	time.AfterFunc(o.initTimeout, func() {
		mu := o.lockFor(callID)
		mu.Lock()
		defer mu.Unlock()

		sess, err := o.registry.Get(callID)
		if err != nil || sess.Status != call.StatusInitializing {
			return
		}
		o.log.Warn("call stuck initializing, failing", "call_id", callID, "timeout", o.initTimeout)

		failed, err := o.registry.Apply(context.Background(), callID, call.ActionFail, "")
		if err != nil {
			o.log.Info("init timeout lost race", "call_id", callID, "err", err)
			return
		}
		o.afterTransition(context.Background(), failed, call.ActionFail, "")
	})
}

func (o *Orchestrator) lockFor(callID string) *sync.Mutex {
	m, _ := o.callLocks.LoadOrStore(callID, &sync.Mutex{})
	return m.(*sync.Mutex)
}
