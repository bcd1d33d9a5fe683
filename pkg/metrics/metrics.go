// Package metrics defines the injected metrics sink used across the pipeline.
// There is no process-wide singleton; components receive a Sink and default to
// the no-op implementation when none is configured.
package metrics

// Sink receives operational counters from the pipeline components.
// Implementations must be safe for concurrent use.
type Sink interface {
	StreamStarted(convID string)
	StreamEnded(convID string)
	TerminalSignal(convID string, kind string)
	StageCompleted(convID string, stageName string)
	QueueRetry(convID string, retryCount int)
	QueueDeadLetter(convID string)
	CacheHit(referenceID string)
	CacheMiss(referenceID string)
}

// Nop discards everything.
type Nop struct{}

var _ Sink = Nop{}

func (Nop) StreamStarted(string)          {}
func (Nop) StreamEnded(string)            {}
func (Nop) TerminalSignal(string, string) {}
func (Nop) StageCompleted(string, string) {}
func (Nop) QueueRetry(string, int)        {}
func (Nop) QueueDeadLetter(string)        {}
func (Nop) CacheHit(string)               {}
func (Nop) CacheMiss(string)              {}

// OrNop normalizes a possibly-nil sink.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
