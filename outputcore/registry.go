package outputcore

import (
	"log/slog"
	"sync"
)

// Registry tracks process-wide active outputs by id, mirroring
// obs_output_create/destroy's registration into a global list. It is
// the rendezvous point a host program uses to look up an output by id
// from an unrelated goroutine (an HTTP handler, a signal bus) without
// having to thread the *Output itself through.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	outputs map[string]*Output
}

// NewRegistry creates a Registry. If log is nil, slog.Default() is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log.With("component", "output-registry"),
		outputs: make(map[string]*Output),
	}
}

// Register adds o under its cfg.ID. Returns false without registering
// if an output with that id is already present.
func (r *Registry) Register(o *Output) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := o.cfg.ID
	if _, exists := r.outputs[id]; exists {
		r.log.Warn("output id already registered, rejecting duplicate", "id", id)
		return false
	}
	r.outputs[id] = o
	r.log.Info("output registered", "id", id, "name", o.cfg.Name)
	return true
}

// Unregister removes the output with the given id, if present.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, ok := r.outputs[id]
	delete(r.outputs, id)
	r.mu.Unlock()

	if ok {
		r.log.Info("output unregistered", "id", id)
	}
}

// Get returns the strong reference to the output with the given id.
func (r *Registry) Get(id string) (*Output, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.outputs[id]
	return o, ok
}

// List returns every currently registered output.
func (r *Registry) List() []*Output {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Output, 0, len(r.outputs))
	for _, o := range r.outputs {
		out = append(out, o)
	}
	return out
}

// Weak returns a WeakOutput that resolves back through the registry by
// id rather than holding o directly, so it does not keep o (and
// everything it owns: backend state, pause ledgers, the interleave
// buffer) reachable past a Destroy/Unregister.
func (r *Registry) Weak(id string) WeakOutput {
	return WeakOutput{registry: r, id: id}
}

// WeakOutput is a non-owning reference to a registered output, the
// analogue of ingest.Registry.Get's lookup-by-key: it never keeps an
// output alive once the registry has forgotten it.
type WeakOutput struct {
	registry *Registry
	id       string
}

// Get resolves the weak reference, returning false once the output has
// been unregistered.
func (w WeakOutput) Get() (*Output, bool) {
	if w.registry == nil {
		return nil, false
	}
	return w.registry.Get(w.id)
}
