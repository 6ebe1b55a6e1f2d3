package session

import (
	"context"
	"time"

	"github.com/t3chn0func/webio/internal/call"
)

// SignalingEvent is call progress reported by the signaling stack.
type SignalingEvent string

const (
	SignalConnecting  SignalingEvent = "connecting"
	SignalEstablished SignalingEvent = "established"
	SignalFailed      SignalingEvent = "failed"
)

// Driver abstracts the SIP/WebRTC stack that actually places calls on the
// network. The gateway core never speaks SIP itself; it only consumes the
// progress events a driver reports.
//
// Dial returns once the attempt is underway; progress arrives through
// report, possibly from other goroutines. Hangup tears down the network leg
// of an already-dialed call.
type Driver interface {
	Dial(ctx context.Context, sess call.Session, report func(SignalingEvent)) error
	Hangup(ctx context.Context, callID string) error
}

// SimulatedDriver walks a call through the normal lifecycle on timers. It
// backs local development and tests when no border element is reachable.
type SimulatedDriver struct {
	// ConnectDelay is the time before "connecting" is reported.
	ConnectDelay time.Duration
	// EstablishDelay is the additional time before "established".
	EstablishDelay time.Duration
	// Fail makes the attempt report "failed" instead of "established".
	Fail bool
}

func (d *SimulatedDriver) Dial(ctx context.Context, sess call.Session, report func(SignalingEvent)) error {
	go func() {
		if !d.wait(ctx, d.ConnectDelay) {
			return
		}
		report(SignalConnecting)

		if !d.wait(ctx, d.EstablishDelay) {
			return
		}
		if d.Fail {
			report(SignalFailed)
			return
		}
		report(SignalEstablished)
	}()
	return nil
}

func (d *SimulatedDriver) Hangup(ctx context.Context, callID string) error {
	return nil
}

func (d *SimulatedDriver) wait(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
