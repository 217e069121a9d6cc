// Package delay implements the delay shim of spec §4.6: it sits between
// the interleaver/caption stage and the real backend callback, re-
// emitting each packet delaySec seconds after it was given to it.
package delay

import (
	"container/list"
	"sync"
	"time"

	"github.com/outputcore/engine/outputcore/packet"
)

// Sink is the real backend-facing callback the shim eventually forwards
// packets to.
type Sink interface {
	Dispatch(pkt *packet.Encoded)
}

// entry pairs a packet with the wall-clock time it becomes due.
type entry struct {
	pkt   *packet.Encoded
	dueAt time.Time
}

// Shim delays packets by a fixed duration before forwarding them to a
// Sink. While active, ownership of every packet passed to Push transfers
// to the shim per spec §4.6; callers must not touch the packet again.
type Shim struct {
	delay time.Duration
	sink  Sink

	mu        sync.Mutex
	queue     *list.List // of *entry
	timer     *time.Timer
	closed    bool
	capturing bool
}

// NewShim returns a shim that defers every pushed packet by delay before
// handing it to sink.
func NewShim(delay time.Duration, sink Sink) *Shim {
	return &Shim{delay: delay, sink: sink, queue: list.New()}
}

// SetCapturing marks whether the shim is in its "delayCapturing" phase
// (spec §3 invariant 4: delayCapturing ⇒ delayActive). The flag is only
// recorded and reported back by Capturing: Push queues and the timer
// delivers packets the same way whatever its value.
func (s *Shim) SetCapturing(capturing bool) {
	s.mu.Lock()
	s.capturing = capturing
	s.mu.Unlock()
}

// Capturing reports the current delayCapturing state.
func (s *Shim) Capturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capturing
}

// Push takes ownership of pkt and schedules it for delivery to the sink
// after the configured delay.
func (s *Shim) Push(pkt *packet.Encoded) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue.PushBack(&entry{pkt: pkt, dueAt: time.Now().Add(s.delay)})
	s.armLocked()
}

// armLocked ensures a timer is running for the head of the queue.
func (s *Shim) armLocked() {
	if s.timer != nil || s.queue.Len() == 0 {
		return
	}
	head := s.queue.Front().Value.(*entry)
	wait := time.Until(head.dueAt)
	if wait < 0 {
		wait = 0
	}
	s.timer = time.AfterFunc(wait, s.drain)
}

// drain fires every entry whose due time has passed, then re-arms for
// the next one.
func (s *Shim) drain() {
	s.mu.Lock()
	s.timer = nil
	var due []*packet.Encoded
	now := time.Now()
	for s.queue.Len() > 0 {
		front := s.queue.Front()
		e := front.Value.(*entry)
		if e.dueAt.After(now) {
			break
		}
		due = append(due, e.pkt)
		s.queue.Remove(front)
	}
	s.armLocked()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}
	for _, p := range due {
		s.sink.Dispatch(p)
	}
}

// Close stops the shim from emitting further packets; queued packets
// are dropped, matching an output's ForceStop semantics.
func (s *Shim) Close() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.queue.Init()
	s.mu.Unlock()
}

// Pending returns the number of packets currently queued, awaiting their
// due time.
func (s *Shim) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}
