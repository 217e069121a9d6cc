// Package reconnect implements the exponential backoff retry controller
// of spec §4.5. Unlike the reference design's manual-reset "stop event"
// plus a blocking wait-with-timeout, this package waits on a
// context.Context so cancellation composes with the rest of the output's
// goroutine lifecycle (the output runs Start on its own goroutine under
// a cancelable context that Output.Stop cancels).
package reconnect

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/outputcore/engine/outputcore/packet"
)

// Config is an output's static reconnect policy (spec §3's `reconnect`
// attribute).
type Config struct {
	RetryMax int
	RetrySec int
	// ExpBase defaults to 1.5 + rand(0, 0.05) if left zero, desynchronizing
	// retry storms across a fleet of outputs restarting at once.
	ExpBase float64
	CapMs   int64
}

const defaultCapMs = 15 * 60 * 1000

// NewConfig returns a Config with ExpBase and CapMs defaulted per spec
// §4.5 if left unset.
func NewConfig(retryMax, retrySec int) Config {
	return Config{
		RetryMax: retryMax,
		RetrySec: retrySec,
		ExpBase:  1.5 + rand.Float64()*0.05,
		CapMs:    defaultCapMs,
	}
}

// Starter is invoked when a retry's wait interval elapses without
// cancellation; it is the output's actualStart.
type Starter interface {
	ActualStart() error
}

// EventSink receives the "reconnect" notification carrying the delay, in
// seconds, before the next attempt.
type EventSink interface {
	OnReconnect(seconds int)
	OnReconnectSuccess()
}

// Controller runs the retry state machine described in spec §4.5.
// State is guarded by mu since CanReconnect/Stop/Reconnecting are called
// from the backend's own thread (via Output.SignalStop/stop) while Start
// runs on a separate goroutine the output spawns per retry cycle.
type Controller struct {
	cfg Config

	mu           sync.Mutex
	reconnecting bool
	retries      int
	retryCurMs   int64
	cancel       context.CancelFunc
}

// NewController returns an idle controller for cfg.
func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// CanReconnect implements spec §4.5's canReconnect predicate.
func (c *Controller) CanReconnect(code packet.StopCode) bool {
	c.mu.Lock()
	reconnecting := c.reconnecting
	c.mu.Unlock()
	if reconnecting && code != packet.StopSuccess {
		return true
	}
	return c.cfg.RetryMax > 0 && code == packet.StopDisconnected
}

// Reconnecting reports whether a retry cycle is in progress.
func (c *Controller) Reconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnecting
}

// Stop cancels any in-flight wait and marks the controller idle, used
// when the output tears down or a reconnect attempt finally succeeds.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.reconnecting = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Start runs one iteration of spec §4.5's reconnect() in the calling
// goroutine: it blocks for the computed backoff interval (or until ctx
// is canceled), then either calls starter.ActualStart() and returns, or
// returns ctx.Err() if canceled first. The caller is expected to invoke
// Start from its own supervised goroutine (e.g. under an errgroup).
//
// giveUp is true when RetryMax has been reached; the caller must then
// treat this as a terminal StopDisconnected rather than attempt another
// restart.
func (c *Controller) Start(ctx context.Context, starter Starter, events EventSink) (giveUp bool, err error) {
	c.mu.Lock()
	if !c.reconnecting {
		c.retryCurMs = int64(c.cfg.RetrySec) * 1000
		c.retries = 0
		c.reconnecting = true
	}

	if c.retries >= c.cfg.RetryMax {
		c.reconnecting = false
		c.mu.Unlock()
		return true, nil
	}

	if c.retries > 0 {
		next := float64(c.retryCurMs) * c.cfg.ExpBase
		if next > float64(c.cfg.CapMs) {
			next = float64(c.cfg.CapMs)
		}
		c.retryCurMs = int64(next)
	}
	c.retries++
	retryCurMs := c.retryCurMs

	waitCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	if events != nil {
		events.OnReconnect(int(retryCurMs / 1000))
	}

	timer := time.NewTimer(time.Duration(retryCurMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-waitCtx.Done():
		return false, waitCtx.Err()
	case <-timer.C:
		if err := starter.ActualStart(); err != nil {
			return false, err
		}
		if events != nil {
			events.OnReconnectSuccess()
		}
		return false, nil
	}
}
