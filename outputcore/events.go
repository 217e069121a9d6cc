package outputcore

import (
	"log/slog"

	"github.com/outputcore/engine/outputcore/packet"
)

// EventSink receives the named events an output emits over its lifetime
// (spec §6). The core always calls into a non-nil sink; DefaultEventSink
// logs each one with slog the way the rest of this codebase logs
// everything else, so a caller that doesn't care about events yet still
// gets visibility for free.
type EventSink interface {
	OnStart()
	OnStop(code packet.StopCode, lastError string)
	OnPause()
	OnUnpause()
	OnStarting()
	OnStopping()
	OnActivate()
	OnDeactivate()
	OnReconnect(seconds int)
	OnReconnectSuccess()
	OnWriting()
	OnWrote()
	OnWritingError(err error)
}

// DefaultEventSink logs each event via a component-tagged logger:
// lifecycle events at Info, writing/wrote at Debug, and writing_error at
// Warn.
type DefaultEventSink struct {
	log *slog.Logger
}

// NewDefaultEventSink returns a logging EventSink. If log is nil,
// slog.Default() is used, matching the nil-logger fallback used
// elsewhere in this codebase's constructors.
func NewDefaultEventSink(log *slog.Logger) *DefaultEventSink {
	if log == nil {
		log = slog.Default()
	}
	return &DefaultEventSink{log: log.With("component", "output")}
}

func (s *DefaultEventSink) OnStart()    { s.log.Info("start") }
func (s *DefaultEventSink) OnStarting() { s.log.Info("starting") }
func (s *DefaultEventSink) OnStopping() { s.log.Info("stopping") }
func (s *DefaultEventSink) OnStop(code packet.StopCode, lastError string) {
	s.log.Info("stop", "code", code.String(), "last_error", lastError)
}
func (s *DefaultEventSink) OnPause()        { s.log.Info("pause") }
func (s *DefaultEventSink) OnUnpause()      { s.log.Info("unpause") }
func (s *DefaultEventSink) OnActivate()     { s.log.Info("activate") }
func (s *DefaultEventSink) OnDeactivate()   { s.log.Info("deactivate") }
func (s *DefaultEventSink) OnReconnect(seconds int) {
	s.log.Info("reconnect", "timeout_sec", seconds)
}
func (s *DefaultEventSink) OnReconnectSuccess() { s.log.Info("reconnect_success") }
func (s *DefaultEventSink) OnWriting()          { s.log.Debug("writing") }
func (s *DefaultEventSink) OnWrote()            { s.log.Debug("wrote") }
func (s *DefaultEventSink) OnWritingError(err error) {
	s.log.Warn("writing_error", "error", err)
}
