package chat

import (
	"context"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/stylehive/stylist/pkg/catalog"
	"github.com/stylehive/stylist/pkg/chatstore"
	"github.com/stylehive/stylist/pkg/metrics"
	"github.com/stylehive/stylist/pkg/queue"
	"github.com/stylehive/stylist/pkg/upstream"
)

// ErrConversationBusy is returned when a live request arrives while another
// session is still streaming on the same conversation.
var ErrConversationBusy = errors.New("chat: conversation has a running session")

// TopicPreparer readies a bus topic before its first subscription, e.g. by
// creating the Redis consumer group at the stream tail.
type TopicPreparer interface {
	PrepareTopic(ctx context.Context, topic string) error
}

type ServiceConfig struct {
	BaseCtx     context.Context
	ConvManager *ConvManager
	Upstream    upstream.Client
	Publisher   *upstream.Publisher
	Subscriber  message.Subscriber
	// Topics is optional; the in-memory transport needs no preparation.
	Topics   TopicPreparer
	Resolver catalog.Resolver
	Store    chatstore.TranscriptStore
	Queue    *queue.WorkQueue
	Stages   []upstream.StageConfig
	Metrics  metrics.Sink
	// SessionTimeout is the hard per-session deadline (default 300s).
	SessionTimeout time.Duration
}

// ChatService is the pipeline orchestrator. The live path opens a stream
// session, pumps upstream events over the bus, and forwards stage events as
// they happen; the queued path pops items off the work queue and runs one
// blocking multi-stage generation per item.
type ChatService struct {
	baseCtx        context.Context
	cm             *ConvManager
	upstream       upstream.Client
	publisher      *upstream.Publisher
	subscriber     message.Subscriber
	topics         TopicPreparer
	resolver       catalog.Resolver
	store          chatstore.TranscriptStore
	queue          *queue.WorkQueue
	stages         []upstream.StageConfig
	metrics        metrics.Sink
	sessionTimeout time.Duration
}

func NewChatService(cfg ServiceConfig) (*ChatService, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("chat: service base context is nil")
	}
	if cfg.ConvManager == nil {
		return nil, errors.New("chat: service conv manager is nil")
	}
	if cfg.Upstream == nil {
		return nil, errors.New("chat: service upstream client is nil")
	}
	if cfg.Publisher == nil || cfg.Subscriber == nil {
		return nil, errors.New("chat: service event bus is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("chat: service transcript store is nil")
	}
	if len(cfg.Stages) == 0 {
		return nil, errors.New("chat: service stage plan is empty")
	}
	return &ChatService{
		baseCtx:        cfg.BaseCtx,
		cm:             cfg.ConvManager,
		upstream:       cfg.Upstream,
		publisher:      cfg.Publisher,
		subscriber:     cfg.Subscriber,
		topics:         cfg.Topics,
		resolver:       cfg.Resolver,
		store:          cfg.Store,
		queue:          cfg.Queue,
		stages:         cfg.Stages,
		metrics:        metrics.OrNop(cfg.Metrics),
		sessionTimeout: cfg.SessionTimeout,
	}, nil
}

type SubmitLiveResult struct {
	ConvID    string
	SessionID string
	NewConv   bool
}

// SubmitLive starts the live delivery pipeline for one user message. The
// heavy work runs in a dedicated goroutine; the transport sees events as the
// stage coordinator produces them.
func (s *ChatService) SubmitLive(ctx context.Context, convID, prompt string) (SubmitLiveResult, error) {
	if s == nil {
		return SubmitLiveResult{}, errors.New("chat: service is not initialized")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return SubmitLiveResult{}, errors.New("chat: missing prompt")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		convID = uuid.NewString()
	}
	conv, created := s.cm.GetOrCreate(convID)

	// Live persistence is best-effort; a failed write never blocks streaming.
	if err := s.store.SaveUserMessage(ctx, convID, prompt); err != nil {
		log.Warn().Err(err).Str("component", "chat").Str("conv_id", convID).Msg("failed to persist user message")
	}

	session, err := OpenSession(SessionConfig{
		ConvID:          convID,
		NewConversation: created,
		Sender:          poolSender{pool: conv.pool},
		Timeout:         s.sessionTimeout,
		Metrics:         s.metrics,
	})
	if err != nil {
		return SubmitLiveResult{}, err
	}
	if !conv.SetSession(session) {
		session.CompleteError("conversation busy", nil)
		return SubmitLiveResult{}, ErrConversationBusy
	}

	go s.runLive(conv, session, prompt)

	return SubmitLiveResult{ConvID: convID, SessionID: session.ID, NewConv: created}, nil
}

// runLive is the dedicated per-request task: subscribe to the conversation
// topic, pump upstream events onto the bus, and let the stage coordinator
// drive the session until end-of-stream, cancellation, or timeout.
func (s *ChatService) runLive(conv *Conversation, session *StreamSession, prompt string) {
	defer conv.ClearSession(session)

	runCtx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	// A delivered terminal (normal, error, or forced timeout) tears down the
	// subscription so this task never outlives the session.
	go func() {
		select {
		case <-session.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	sessionLog := log.With().
		Str("component", "chat").
		Str("conv_id", conv.ID).
		Str("session_id", session.ID).
		Logger()

	topic := upstream.TopicForConversation(conv.ID)
	if s.topics != nil {
		if err := s.topics.PrepareTopic(runCtx, topic); err != nil {
			sessionLog.Warn().Err(err).Str("topic", topic).Msg("topic preparation failed")
		}
	}

	ch, err := s.subscriber.Subscribe(runCtx, topic)
	if err != nil {
		sessionLog.Error().Err(err).Msg("bus subscribe failed")
		session.CompleteError("internal error", nil)
		return
	}

	coord, err := NewStageCoordinator(StageCoordinatorConfig{
		ConvID:    conv.ID,
		Stages:    s.stages,
		Resolver:  s.resolver,
		Metrics:   s.metrics,
		OnContent: func(d ContentData) { session.Send(ContentEnvelope(d)) },
		OnComplete: func(r StageResult) {
			session.Send(CompleteEnvelope(CompleteData{
				Text:       r.Text,
				StageID:    r.StageID,
				StageName:  r.StageName,
				References: r.References,
			}))
		},
		Persist: func(r StageResult) error {
			return s.store.SaveStageResult(s.baseCtx, conv.ID, r.StageID, r.StageName, r.Text, r.References)
		},
		Cancelled: session.Cancelled,
	})
	if err != nil {
		sessionLog.Error().Err(err).Msg("stage coordinator setup failed")
		session.CompleteError("internal error", nil)
		return
	}

	evCh, err := s.upstream.Stream(runCtx, upstream.Request{
		ConvID:  conv.ID,
		Message: prompt,
		Stages:  s.stages,
	})
	if err != nil {
		sessionLog.Error().Err(err).Msg("upstream stream open failed")
		session.CompleteError("generation unavailable", nil)
		return
	}

	go func() {
		for ev := range evCh {
			if session.Cancelled() {
				return
			}
			if err := s.publisher.PublishEvent(ev); err != nil {
				sessionLog.Warn().Err(err).Str("type", string(ev.Type)).Msg("event publish failed")
			}
		}
	}()

	coord.Run(runCtx, ch)

	if session.Cancelled() {
		// Timeout or disconnect already owns the terminal in most cases; this
		// is a no-op then.
		session.CompleteError("session cancelled", nil)
		return
	}
	if msg, failed := coord.Failure(); failed {
		failedStage := coord.CompletedCount()
		session.CompleteError(msg, &failedStage)
		return
	}
	if !coord.AllCompleted() {
		sessionLog.Warn().
			Int("completed", coord.CompletedCount()).
			Int("expected", coord.StageCount()).
			Msg("upstream ended before all stages completed")
	}
	session.CompleteFinal(coord.CompletedCount())
}

// SubmitQueued persists the user message and enqueues the item for the
// store-and-forward path.
func (s *ChatService) SubmitQueued(ctx context.Context, convID, prompt string) (string, error) {
	if s == nil || s.queue == nil {
		return "", errors.New("chat: work queue is not configured")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("chat: missing prompt")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		convID = uuid.NewString()
	}
	if err := s.store.SaveUserMessage(ctx, convID, prompt); err != nil {
		return "", errors.Wrap(err, "chat: persist user message")
	}
	if err := s.queue.Enqueue(ctx, convID, prompt); err != nil {
		return "", err
	}
	return convID, nil
}

// HandleQueuedItem runs one queued item through the batch pipeline: a single
// blocking multi-stage generation, fed through the stage coordinator, with
// all stage results persisted together on success. The ordered stage texts
// are returned to the caller.
func (s *ChatService) HandleQueuedItem(ctx context.Context, item queue.Item) ([]string, error) {
	if s == nil {
		return nil, errors.New("chat: service is not initialized")
	}
	coord, err := NewStageCoordinator(StageCoordinatorConfig{
		ConvID:   item.ConversationID,
		Stages:   s.stages,
		Resolver: s.resolver,
		Metrics:  s.metrics,
	})
	if err != nil {
		return nil, err
	}

	events, err := s.upstream.Generate(ctx, upstream.Request{
		ConvID:  item.ConversationID,
		Message: item.Message,
		Stages:  s.stages,
	})
	if err != nil {
		return nil, errors.Wrap(err, "chat: batch generation")
	}
	for _, ev := range events {
		if coord.Feed(ctx, ev) {
			break
		}
	}

	if msg, failed := coord.Failure(); failed {
		return nil, errors.Errorf("chat: batch generation: %s", msg)
	}

	results := coord.Results()
	stageEntries := make([]chatstore.StageResult, 0, len(results))
	for _, r := range results {
		stageEntries = append(stageEntries, chatstore.StageResult{
			StageID:    r.StageID,
			StageName:  r.StageName,
			Text:       r.Text,
			References: r.References,
		})
	}
	// All stage rows for one item land together or not at all, so a queue
	// retry after a storage failure cannot duplicate transcript rows.
	if err := s.store.SaveStageResults(ctx, item.ConversationID, stageEntries); err != nil {
		return nil, errors.Wrap(err, "chat: persist stage results")
	}

	texts := make([]string, 0, len(results))
	for _, r := range results {
		texts = append(texts, r.Text)
	}
	return texts, nil
}

// RunWorker polls the work queue and processes items until ctx is done.
// Failures are retried through the queue's bounded retry policy.
func (s *ChatService) RunWorker(ctx context.Context, pollInterval time.Duration) error {
	if s == nil || s.queue == nil {
		return errors.New("chat: work queue is not configured")
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	workerLog := log.With().Str("component", "queue_worker").Logger()
	workerLog.Info().Dur("poll_interval", pollInterval).Msg("queue worker started")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			workerLog.Info().Msg("queue worker stopped")
			return nil
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *ChatService) pollOnce(ctx context.Context) {
	convs, err := s.queue.ActiveConversations(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "queue_worker").Msg("listing active conversations failed")
		return
	}
	for _, convID := range convs {
		item, ok, err := s.queue.Dequeue(ctx, convID)
		if err != nil {
			log.Warn().Err(err).Str("component", "queue_worker").Str("conv_id", convID).Msg("dequeue failed")
			continue
		}
		if !ok {
			continue
		}
		if _, err := s.HandleQueuedItem(ctx, item); err != nil {
			log.Warn().Err(err).
				Str("component", "queue_worker").
				Str("conv_id", convID).
				Int("retry_count", item.RetryCount).
				Msg("queued item processing failed")
			if _, rerr := s.queue.Retry(ctx, item); rerr != nil {
				log.Error().Err(rerr).Str("component", "queue_worker").Str("conv_id", convID).Msg("retry submission failed")
			}
		}
	}
}

// Transcript returns the persisted conversation history in order.
func (s *ChatService) Transcript(ctx context.Context, convID string, limit int) ([]chatstore.Entry, error) {
	if s == nil {
		return nil, errors.New("chat: service is not initialized")
	}
	return s.store.List(ctx, convID, limit)
}
