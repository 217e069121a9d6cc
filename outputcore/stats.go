package outputcore

// Stats is a snapshot of an output's runtime counters, modeled on the
// JSON-tagged debug snapshots the rest of this codebase serves over
// HTTP (distribution.PipelineDebugStats). Bytes/dropped/congestion/
// connect-time fields are only populated when the bound backend
// implements the corresponding optional capability interface; a
// backend that implements none of them still gets TotalFrames and
// State for free since those are tracked by the core itself.
type Stats struct {
	State        string  `json:"state"`
	Active       bool    `json:"active"`
	Paused       bool    `json:"paused"`
	Reconnecting bool    `json:"reconnecting"`
	TotalFrames  int64   `json:"totalFrames"`
	TotalBytes   uint64  `json:"totalBytes,omitempty"`
	DroppedFrames int    `json:"droppedFrames,omitempty"`
	Congestion   float64 `json:"congestion,omitempty"`
	ConnectTimeMs int64  `json:"connectTimeMs,omitempty"`
	LastError    string  `json:"lastError,omitempty"`
}

// Stats returns a point-in-time snapshot of this output's counters,
// querying whichever optional capability interfaces the bound backend
// implements.
func (o *Output) Stats() Stats {
	s := Stats{
		State:        o.State(),
		Active:       o.Active(),
		Paused:       o.Paused(),
		Reconnecting: o.Reconnecting(),
		TotalFrames:  o.TotalFrames(),
		LastError:    o.LastError(),
	}

	state := o.currentBackendState()
	if bc, ok := o.cfg.Backend.(ByteCounter); ok {
		s.TotalBytes = bc.GetTotalBytes(state)
	}
	if dc, ok := o.cfg.Backend.(DroppedFrameCounter); ok {
		s.DroppedFrames = dc.GetDroppedFrames(state)
	}
	if cc, ok := o.cfg.Backend.(Congestable); ok {
		s.Congestion = clampCongestion(cc.GetCongestion(state))
	}
	if ct, ok := o.cfg.Backend.(ConnectTimer); ok {
		s.ConnectTimeMs = ct.GetConnectTimeMs(state)
	}
	return s
}

// clampCongestion enforces the [0,1] range spec'd for GetCongestion,
// since a buggy backend is not a reason to hand a caller a value it
// cannot plot on a gauge.
func clampCongestion(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
