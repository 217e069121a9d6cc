package delay

import (
	"sync"
	"testing"
	"time"

	"github.com/outputcore/engine/outputcore/packet"
)

type sinkRecorder struct {
	mu   sync.Mutex
	got  []*packet.Encoded
	seen chan struct{}
}

func newSinkRecorder() *sinkRecorder { return &sinkRecorder{seen: make(chan struct{}, 16)} }

func (r *sinkRecorder) Dispatch(p *packet.Encoded) {
	r.mu.Lock()
	r.got = append(r.got, p)
	r.mu.Unlock()
	r.seen <- struct{}{}
}

func (r *sinkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestShim_DelaysDelivery(t *testing.T) {
	rec := newSinkRecorder()
	s := NewShim(40*time.Millisecond, rec)

	s.Push(&packet.Encoded{DTS: 1})

	if rec.count() != 0 {
		t.Fatal("packet must not be delivered immediately")
	}

	select {
	case <-rec.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("packet was never delivered")
	}
	if rec.count() != 1 {
		t.Fatalf("got %d deliveries, want 1", rec.count())
	}
}

func TestShim_PreservesOrder(t *testing.T) {
	rec := newSinkRecorder()
	s := NewShim(20*time.Millisecond, rec)

	for i := int64(0); i < 5; i++ {
		s.Push(&packet.Encoded{DTS: i})
		time.Sleep(2 * time.Millisecond)
	}

	for i := 0; i < 5; i++ {
		<-rec.seen
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, p := range rec.got {
		if p.DTS != int64(i) {
			t.Fatalf("delivery order mismatch at %d: got DTS=%d", i, p.DTS)
		}
	}
}

func TestShim_CloseDropsQueued(t *testing.T) {
	rec := newSinkRecorder()
	s := NewShim(time.Hour, rec)
	s.Push(&packet.Encoded{DTS: 1})
	s.Close()

	if s.Pending() != 0 {
		t.Fatal("Close must clear the pending queue")
	}
	select {
	case <-rec.seen:
		t.Fatal("no packet should be delivered after Close")
	case <-time.After(50 * time.Millisecond):
	}
}
