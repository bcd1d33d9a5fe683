package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/stylehive/stylist/pkg/metrics"
)

// DefaultSessionTimeout is the hard per-session deadline; when it fires the
// session is cancelled and force-completed with an error terminal.
const DefaultSessionTimeout = 300 * time.Second

// TransportSender pushes one envelope to the client transport.
type TransportSender interface {
	Send(env Envelope) error
}

// StreamSession owns one outbound push connection: ordered emission, polled
// cancellation, and an exactly-once terminal signal. Safe for concurrent use
// by the pipeline task, the timeout trigger, and transport callbacks.
type StreamSession struct {
	ID        string
	ConvID    string
	StartTime time.Time

	sender  TransportSender
	metrics metrics.Sink

	cancelled atomic.Bool

	// completeOnce guards the terminal signal: whichever of normal finish,
	// timeout, transport error, or completion callback gets here first wins.
	completeOnce sync.Once
	completed    atomic.Bool
	done         chan struct{}

	timerMu sync.Mutex
	timer   *time.Timer
}

type SessionConfig struct {
	ConvID string
	// NewConversation emits the room event before the connect ack.
	NewConversation bool
	Sender          TransportSender
	Timeout         time.Duration
	Metrics         metrics.Sink
}

// OpenSession allocates a session, emits the room/connect handshake and arms
// the hard timeout.
func OpenSession(cfg SessionConfig) (*StreamSession, error) {
	if cfg.Sender == nil {
		return nil, errors.New("chat: session needs a transport sender")
	}
	if cfg.ConvID == "" {
		return nil, errors.New("chat: session needs a conversation id")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	s := &StreamSession{
		ID:        uuid.NewString(),
		ConvID:    cfg.ConvID,
		StartTime: time.Now(),
		sender:    cfg.Sender,
		metrics:   metrics.OrNop(cfg.Metrics),
		done:      make(chan struct{}),
	}
	s.metrics.StreamStarted(cfg.ConvID)

	if cfg.NewConversation {
		s.Send(RoomEnvelope(cfg.ConvID))
	}
	s.Send(ConnectEnvelope(cfg.ConvID, s.ID))

	s.timerMu.Lock()
	s.timer = time.AfterFunc(timeout, s.forceTimeout)
	s.timerMu.Unlock()

	log.Info().
		Str("component", "stream_session").
		Str("conv_id", cfg.ConvID).
		Str("session_id", s.ID).
		Dur("timeout", timeout).
		Msg("session opened")
	return s, nil
}

// Send emits one non-terminal envelope. It is a no-op once the session is
// cancelled, and transport write failures are logged rather than surfaced so
// a dropped client never fails the pipeline.
func (s *StreamSession) Send(env Envelope) {
	if s == nil || s.cancelled.Load() {
		return
	}
	s.deliver(env)
}

func (s *StreamSession) deliver(env Envelope) {
	if err := s.sender.Send(env); err != nil {
		log.Warn().Err(err).
			Str("component", "stream_session").
			Str("session_id", s.ID).
			Str("event", env.Event).
			Msg("transport write failed")
	}
}

// Cancel sets the cancellation flag. The flag is only ever set, never
// cleared; pipeline loops poll it between tokens and stages.
func (s *StreamSession) Cancel() {
	if s == nil {
		return
	}
	s.cancelled.Store(true)
}

func (s *StreamSession) Cancelled() bool {
	return s == nil || s.cancelled.Load()
}

func (s *StreamSession) Completed() bool {
	return s != nil && s.completed.Load()
}

// Done is closed once the terminal signal has been delivered. Pipeline tasks
// select on it to tear down their subscriptions.
func (s *StreamSession) Done() <-chan struct{} {
	return s.done
}

// CompleteFinal delivers the final_complete terminal. Reports whether this
// call performed the terminal action.
func (s *StreamSession) CompleteFinal(stageCount int) bool {
	return s.complete(FinalCompleteEnvelope(stageCount), "final_complete")
}

// CompleteError delivers the error terminal.
func (s *StreamSession) CompleteError(message string, stageID *int) bool {
	return s.complete(ErrorEnvelope(message, stageID), "error")
}

// complete performs the single-assignment terminal action: exactly one
// terminal envelope reaches the transport no matter how many triggers race.
// The terminal bypasses the cancelled check so a timed-out session still
// closes cleanly.
func (s *StreamSession) complete(env Envelope, kind string) bool {
	if s == nil {
		return false
	}
	performed := false
	s.completeOnce.Do(func() {
		performed = true
		s.completed.Store(true)
		close(s.done)
		s.stopTimer()
		s.deliver(env)
		s.metrics.TerminalSignal(s.ConvID, kind)
		s.metrics.StreamEnded(s.ConvID)
		log.Info().
			Str("component", "stream_session").
			Str("conv_id", s.ConvID).
			Str("session_id", s.ID).
			Str("terminal", kind).
			Dur("elapsed", time.Since(s.StartTime)).
			Msg("session completed")
	})
	return performed
}

// forceTimeout fires at the hard deadline: cancel the pipeline and deliver
// the error terminal unless someone already completed.
func (s *StreamSession) forceTimeout() {
	if s == nil || s.completed.Load() {
		return
	}
	log.Warn().
		Str("component", "stream_session").
		Str("conv_id", s.ConvID).
		Str("session_id", s.ID).
		Msg("session hard timeout, forcing completion")
	s.Cancel()
	s.CompleteError("session timed out", nil)
}

func (s *StreamSession) stopTimer() {
	s.timerMu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerMu.Unlock()
}
