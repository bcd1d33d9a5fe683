package chat

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/stylehive/stylist/pkg/catalog"
	"github.com/stylehive/stylist/pkg/metrics"
	"github.com/stylehive/stylist/pkg/upstream"
)

// StageCoordinator demultiplexes the upstream event stream into ordered
// per-stage results. The upstream protocol does not tag events with a stage;
// the coordinator relies on the documented precondition that stages arrive in
// list order, each closed by one reference event, and derives the active stage
// from the completed count.
type StageCoordinator struct {
	convID   string
	stages   *StageSet
	resolver catalog.Resolver
	metrics  metrics.Sink

	// onContent forwards one token chunk; the live path sends it straight to
	// the session so text is never buffered longer than one token.
	onContent func(ContentData)
	// onComplete observes each finished stage (live path: emit the complete
	// event).
	onComplete func(StageResult)
	// persist saves one finished stage. Optional; the batch path persists all
	// stages together instead.
	persist func(StageResult) error
	// cancelled is polled between units of work. Optional.
	cancelled func() bool

	failed  bool
	failMsg string
}

type StageCoordinatorConfig struct {
	ConvID     string
	Stages     []upstream.StageConfig
	Resolver   catalog.Resolver
	Metrics    metrics.Sink
	OnContent  func(ContentData)
	OnComplete func(StageResult)
	Persist    func(StageResult) error
	Cancelled  func() bool
}

func NewStageCoordinator(cfg StageCoordinatorConfig) (*StageCoordinator, error) {
	if cfg.ConvID == "" {
		return nil, errors.New("chat: stage coordinator needs a conversation id")
	}
	set, err := NewStageSet(cfg.Stages)
	if err != nil {
		return nil, err
	}
	return &StageCoordinator{
		convID:     cfg.ConvID,
		stages:     set,
		resolver:   cfg.Resolver,
		metrics:    metrics.OrNop(cfg.Metrics),
		onContent:  cfg.OnContent,
		onComplete: cfg.OnComplete,
		persist:    cfg.Persist,
		cancelled:  cfg.Cancelled,
	}, nil
}

func (c *StageCoordinator) CompletedCount() int { return c.stages.CompletedCount() }
func (c *StageCoordinator) StageCount() int     { return c.stages.Len() }
func (c *StageCoordinator) AllCompleted() bool  { return c.stages.AllCompleted() }
func (c *StageCoordinator) Results() []StageResult {
	return c.stages.Results()
}

// Failure reports whether the stream terminated with an upstream error event,
// and its message.
func (c *StageCoordinator) Failure() (string, bool) {
	return c.failMsg, c.failed
}

func (c *StageCoordinator) isCancelled() bool {
	return c.cancelled != nil && c.cancelled()
}

// Feed consumes one upstream event. It returns true when the stream is over
// (end event or cancellation).
func (c *StageCoordinator) Feed(ctx context.Context, ev upstream.Event) bool {
	if c.isCancelled() {
		return true
	}
	switch ev.Type {
	case upstream.EventToken:
		c.feedToken(ev.Text)
		return false
	case upstream.EventReference:
		c.feedReference(ctx, ev.ReferenceIDs)
		return false
	case upstream.EventEnd:
		return true
	case upstream.EventError:
		c.failed = true
		c.failMsg = ev.Text
		if c.failMsg == "" {
			c.failMsg = "generation failed"
		}
		log.Warn().
			Str("component", "stage_coordinator").
			Str("conv_id", c.convID).
			Str("message", c.failMsg).
			Msg("upstream reported generation failure")
		return true
	default:
		log.Warn().
			Str("component", "stage_coordinator").
			Str("conv_id", c.convID).
			Str("type", string(ev.Type)).
			Msg("skipping unknown upstream event")
		return false
	}
}

func (c *StageCoordinator) feedToken(chunk string) {
	if chunk == "" {
		return
	}
	if c.stages.AllCompleted() {
		log.Debug().
			Str("component", "stage_coordinator").
			Str("conv_id", c.convID).
			Msg("token after all stages completed, attributing to last stage")
	}
	st := c.stages.AppendToken(chunk)
	if c.onContent != nil {
		c.onContent(ContentData{Chunk: chunk, StageID: st.ID, StageName: st.Name})
	}
}

// feedReference resolves the referenced items and closes the active stage.
// Lookups already in flight finish, but a cancellation observed afterwards
// discards their results.
func (c *StageCoordinator) feedReference(ctx context.Context, ids []string) {
	refs := catalog.ResolveAll(ctx, c.resolver, ids)
	if c.isCancelled() {
		return
	}
	wasComplete := c.stages.AllCompleted()
	result := c.stages.CompleteActive(refs)
	if wasComplete {
		log.Debug().
			Str("component", "stage_coordinator").
			Str("conv_id", c.convID).
			Msg("reference event after all stages completed, merged into last stage")
		return
	}
	c.metrics.StageCompleted(c.convID, result.StageName)
	if c.onComplete != nil {
		c.onComplete(result)
	}
	if c.persist != nil {
		if err := c.persist(result); err != nil {
			log.Error().Err(err).
				Str("component", "stage_coordinator").
				Str("conv_id", c.convID).
				Str("stage", result.StageName).
				Msg("stage persistence failed")
		}
	}
}

// Run consumes the per-conversation bus topic until the stream ends, the
// context is cancelled, or the channel closes. Undecodable payloads are
// skipped, never fatal.
func (c *StageCoordinator) Run(ctx context.Context, ch <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, err := upstream.NewEventFromJSON(msg.Payload)
			if err != nil {
				log.Warn().Err(err).
					Str("component", "stage_coordinator").
					Str("conv_id", c.convID).
					Msg("skipping malformed upstream event")
				msg.Ack()
				continue
			}
			done := c.Feed(ctx, ev)
			msg.Ack()
			if done {
				return
			}
		}
	}
}
