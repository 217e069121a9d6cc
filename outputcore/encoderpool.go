package outputcore

import (
	"sync"
	"sync/atomic"

	"github.com/outputcore/engine/outputcore/packet"
)

// Encoder is a non-owning record of one producing encoder: its kind,
// whether it is still feeding packets, and whether it has been paired
// with an encoder of the opposite kind by BeginDataCapture's pairing
// step. The pool never holds a reference to the actual encoder
// implementation, only this bookkeeping record.
type Encoder struct {
	Ref    packet.EncoderRef
	Kind   packet.Kind
	active bool
	paired bool
}

// EncoderPool is an arena of Encoder records indexed by registration
// order, non-owning: producers register themselves to obtain a
// packet.EncoderRef and unregister on teardown, but the pool never
// calls into the producer.
type EncoderPool struct {
	mu    sync.Mutex
	arena []Encoder
	index map[packet.EncoderRef]int

	nextID atomic.Uint64
}

// NewEncoderPool returns an empty pool.
func NewEncoderPool() *EncoderPool {
	return &EncoderPool{index: make(map[packet.EncoderRef]int)}
}

// Register adds a new encoder of the given kind to the pool and returns
// its ref. ids start at 1; 0 is reserved for packet.EncoderRef's zero
// (invalid) value.
func (p *EncoderPool) Register(kind packet.Kind) packet.EncoderRef {
	id := p.nextID.Add(1)
	ref := packet.NewEncoderRef(id)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.index[ref] = len(p.arena)
	p.arena = append(p.arena, Encoder{Ref: ref, Kind: kind, active: true})
	return ref
}

// Unregister marks ref inactive. The record stays in the arena so any
// outstanding lookups by index remain valid; it is simply no longer a
// pairing candidate.
func (p *EncoderPool) Unregister(ref packet.EncoderRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i, ok := p.index[ref]; ok {
		p.arena[i].active = false
	}
}

// PairAudio implements BeginDataCapture's encoder-pairing step: it finds
// the first active, unpaired audio encoder and marks it paired, for a
// video encoder that has just started producing packets.
func (p *EncoderPool) PairAudio() (packet.EncoderRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.arena {
		e := &p.arena[i]
		if e.Kind == packet.Audio && e.active && !e.paired {
			e.paired = true
			return e.Ref, true
		}
	}
	return packet.EncoderRef{}, false
}

// Release clears the paired bit on ref, letting it be handed out again
// by a future PairAudio call (e.g. after the output that claimed it is
// destroyed).
func (p *EncoderPool) Release(ref packet.EncoderRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i, ok := p.index[ref]; ok {
		p.arena[i].paired = false
	}
}

// Lookup returns the record for ref.
func (p *EncoderPool) Lookup(ref packet.EncoderRef) (Encoder, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.index[ref]
	if !ok {
		return Encoder{}, false
	}
	return p.arena[i], true
}
