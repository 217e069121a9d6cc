package reconnect

import (
	"context"
	"testing"
	"time"

	"github.com/outputcore/engine/outputcore/packet"
)

type fakeStarter struct {
	calls int
	err   error
}

func (s *fakeStarter) ActualStart() error {
	s.calls++
	return s.err
}

type fakeEvents struct {
	reconnects []int
	successes  int
}

func (e *fakeEvents) OnReconnect(seconds int) { e.reconnects = append(e.reconnects, seconds) }
func (e *fakeEvents) OnReconnectSuccess()      { e.successes++ }

func TestCanReconnect(t *testing.T) {
	c := NewController(Config{RetryMax: 3, RetrySec: 1, ExpBase: 1.5, CapMs: 1000})
	if c.CanReconnect(packet.StopDisconnected) != true {
		t.Fatal("RetryMax>0 and DISCONNECTED must allow reconnect")
	}
	if c.CanReconnect(packet.StopBadPath) != false {
		t.Fatal("a non-DISCONNECTED code must not trigger reconnect when not already reconnecting")
	}
}

func TestController_RetriesThenGivesUp(t *testing.T) {
	c := NewController(Config{RetryMax: 2, RetrySec: 0, ExpBase: 1.5, CapMs: 1000})
	starter := &fakeStarter{}
	events := &fakeEvents{}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		giveUp, err := c.Start(ctx, starter, events)
		if giveUp {
			t.Fatalf("unexpected give-up on attempt %d", i)
		}
		if err != nil {
			t.Fatalf("unexpected error on attempt %d: %v", i, err)
		}
	}

	if starter.calls != 2 {
		t.Fatalf("ActualStart called %d times, want 2", starter.calls)
	}

	giveUp, err := c.Start(ctx, starter, events)
	if !giveUp || err != nil {
		t.Fatalf("expected give-up after RetryMax reached, got giveUp=%v err=%v", giveUp, err)
	}
}

func TestController_CancelStopsWait(t *testing.T) {
	c := NewController(Config{RetryMax: 5, RetrySec: 60, ExpBase: 1.5, CapMs: 1000})
	starter := &fakeStarter{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = c.Start(ctx, starter, nil)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return promptly after cancellation")
	}
	if gotErr == nil {
		t.Fatal("expected a context error after cancellation")
	}
	if starter.calls != 0 {
		t.Fatal("ActualStart must not be called when canceled before the wait elapses")
	}
}

func TestController_StopCancelsInFlightWait(t *testing.T) {
	c := NewController(Config{RetryMax: 5, RetrySec: 60, ExpBase: 1.5, CapMs: 1000})
	starter := &fakeStarter{}

	done := make(chan struct{})
	go func() {
		c.Start(context.Background(), starter, nil)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	c.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the in-flight wait")
	}
	if c.Reconnecting() {
		t.Fatal("Stop must clear the reconnecting flag")
	}
}
