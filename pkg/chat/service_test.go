package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/stylehive/stylist/pkg/chatstore"
	"github.com/stylehive/stylist/pkg/eventbus"
	"github.com/stylehive/stylist/pkg/metrics"
	"github.com/stylehive/stylist/pkg/queue"
	"github.com/stylehive/stylist/pkg/upstream"
)

type scriptedUpstream struct {
	streamCh  chan upstream.Event
	generated []upstream.Event
	genErr    error
}

func (s *scriptedUpstream) Stream(_ context.Context, _ upstream.Request) (<-chan upstream.Event, error) {
	return s.streamCh, nil
}

func (s *scriptedUpstream) Generate(_ context.Context, _ upstream.Request) ([]upstream.Event, error) {
	return s.generated, s.genErr
}

type captureSink struct {
	metrics.Nop
	mu        sync.Mutex
	terminals []string
}

func (c *captureSink) TerminalSignal(_ string, kind string) {
	c.mu.Lock()
	c.terminals = append(c.terminals, kind)
	c.mu.Unlock()
}

func (c *captureSink) terminalKinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.terminals...)
}

type recordingPreparer struct {
	mu     sync.Mutex
	topics []string
}

func (r *recordingPreparer) PrepareTopic(_ context.Context, topic string) error {
	r.mu.Lock()
	r.topics = append(r.topics, topic)
	r.mu.Unlock()
	return nil
}

func (r *recordingPreparer) prepared() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

// failingOnceStore rejects the first stage batch write, simulating a storage
// outage that forces a queue retry.
type failingOnceStore struct {
	chatstore.TranscriptStore
	mu     sync.Mutex
	failed bool
}

func (s *failingOnceStore) SaveStageResults(ctx context.Context, convID string, results []chatstore.StageResult) error {
	s.mu.Lock()
	first := !s.failed
	s.failed = true
	s.mu.Unlock()
	if first {
		return errors.New("storage unavailable")
	}
	return s.TranscriptStore.SaveStageResults(ctx, convID, results)
}

type serviceFixture struct {
	svc     *ChatService
	cm      *ConvManager
	store   *chatstore.MemoryTranscriptStore
	backend *queue.MemoryBackend
	cancel  context.CancelFunc
}

func newServiceFixture(t *testing.T, client upstream.Client, opts ...func(*ServiceConfig)) *serviceFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus, err := eventbus.Build(eventbus.Settings{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	backend := queue.NewMemoryBackend()
	wq, err := queue.NewWorkQueue(backend, queue.WithMaxRetries(3))
	require.NoError(t, err)

	store := chatstore.NewMemoryTranscriptStore()
	cm := NewConvManager()

	cfg := ServiceConfig{
		BaseCtx:     ctx,
		ConvManager: cm,
		Upstream:    client,
		Publisher:   upstream.NewPublisher(bus.Publisher),
		Subscriber:  bus.Subscriber,
		Resolver:    mapResolver{"P1": "https://cdn.example/p1.jpg"},
		Store:       store,
		Queue:       wq,
		Stages:      testStages("style", "color"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	svc, err := NewChatService(cfg)
	require.NoError(t, err)
	return &serviceFixture{svc: svc, cm: cm, store: store, backend: backend, cancel: cancel}
}

func TestHandleQueuedItemPersistsAllStages(t *testing.T) {
	client := &scriptedUpstream{
		generated: []upstream.Event{
			upstream.NewTokenEvent("c1", "Linen "),
			upstream.NewTokenEvent("c1", "blazer"),
			upstream.NewReferenceEvent("c1", []string{"P1"}),
			upstream.NewTokenEvent("c1", "Neutral tones"),
			upstream.NewReferenceEvent("c1", nil),
			upstream.NewEndEvent("c1"),
		},
	}
	f := newServiceFixture(t, client)

	texts, err := f.svc.HandleQueuedItem(context.Background(), queue.Item{ConversationID: "c1", Message: "what should I wear"})
	require.NoError(t, err)
	require.Equal(t, []string{"Linen blazer", "Neutral tones"}, texts)

	entries, err := f.store.List(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, chatstore.RoleStage, entries[0].Role)
	require.Equal(t, "style", entries[0].StageName)
	require.Len(t, entries[0].References, 1)
	require.Equal(t, "https://cdn.example/p1.jpg", entries[0].References[0].DisplayURL)
	require.Equal(t, "color", entries[1].StageName)
}

func TestHandleQueuedItemGenerationFailure(t *testing.T) {
	client := &scriptedUpstream{genErr: errors.New("upstream down")}
	f := newServiceFixture(t, client)

	_, err := f.svc.HandleQueuedItem(context.Background(), queue.Item{ConversationID: "c1", Message: "hi"})
	require.Error(t, err)

	entries, err := f.store.List(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestHandleQueuedItemRetryAfterStorageFailureDoesNotDuplicateRows(t *testing.T) {
	client := &scriptedUpstream{
		generated: []upstream.Event{
			upstream.NewTokenEvent("c1", "Linen blazer"),
			upstream.NewReferenceEvent("c1", nil),
			upstream.NewTokenEvent("c1", "Neutral tones"),
			upstream.NewReferenceEvent("c1", nil),
			upstream.NewEndEvent("c1"),
		},
	}
	f := newServiceFixture(t, client, func(cfg *ServiceConfig) {
		cfg.Store = &failingOnceStore{TranscriptStore: cfg.Store}
	})

	item := queue.Item{ConversationID: "c1", Message: "what should I wear"}
	_, err := f.svc.HandleQueuedItem(context.Background(), item)
	require.Error(t, err)

	// The failed attempt must leave no partial transcript behind.
	entries, err := f.store.List(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Empty(t, entries)

	texts, err := f.svc.HandleQueuedItem(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, []string{"Linen blazer", "Neutral tones"}, texts)

	entries, err = f.store.List(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "style", entries[0].StageName)
	require.Equal(t, "color", entries[1].StageName)
}

func TestSubmitQueuedPersistsAndEnqueues(t *testing.T) {
	f := newServiceFixture(t, &scriptedUpstream{})

	convID, err := f.svc.SubmitQueued(context.Background(), "", "need an outfit")
	require.NoError(t, err)
	require.NotEmpty(t, convID)

	entries, err := f.store.List(context.Background(), convID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, chatstore.RoleUser, entries[0].Role)
	require.Equal(t, 1, f.backend.Len("chatq:"+convID))
}

func TestSubmitQueuedRejectsEmptyMessage(t *testing.T) {
	f := newServiceFixture(t, &scriptedUpstream{})
	_, err := f.svc.SubmitQueued(context.Background(), "c1", "   ")
	require.Error(t, err)
}

func TestPollOnceRetriesFailedItem(t *testing.T) {
	client := &scriptedUpstream{genErr: errors.New("upstream down")}
	f := newServiceFixture(t, client)

	_, err := f.svc.SubmitQueued(context.Background(), "c1", "hi")
	require.NoError(t, err)

	f.svc.pollOnce(context.Background())
	require.Equal(t, 1, f.backend.Len("chatq:c1"))

	item, ok, err := f.svc.queue.Dequeue(context.Background(), "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, item.RetryCount)
}

func TestSubmitLiveStreamsToCompletion(t *testing.T) {
	streamCh := make(chan upstream.Event, 8)
	for _, ev := range []upstream.Event{
		upstream.NewTokenEvent("c1", "Navy "),
		upstream.NewTokenEvent("c1", "coat"),
		upstream.NewReferenceEvent("c1", []string{"P1"}),
		upstream.NewTokenEvent("c1", "Earth tones"),
		upstream.NewReferenceEvent("c1", nil),
		upstream.NewEndEvent("c1"),
	} {
		streamCh <- ev
	}
	close(streamCh)
	f := newServiceFixture(t, &scriptedUpstream{streamCh: streamCh})

	res, err := f.svc.SubmitLive(context.Background(), "c1", "what should I wear")
	require.NoError(t, err)
	require.Equal(t, "c1", res.ConvID)
	require.NotEmpty(t, res.SessionID)
	require.True(t, res.NewConv)

	require.Eventually(t, func() bool {
		conv, ok := f.cm.GetConversation("c1")
		return ok && conv.ActiveSession() == nil
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := f.store.List(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, chatstore.RoleUser, entries[0].Role)
	require.Equal(t, "Navy coat", entries[1].Text)
	require.Equal(t, "Earth tones", entries[2].Text)
}

func TestSubmitLiveRejectsConcurrentSession(t *testing.T) {
	streamCh := make(chan upstream.Event)
	defer close(streamCh)
	f := newServiceFixture(t, &scriptedUpstream{streamCh: streamCh})

	_, err := f.svc.SubmitLive(context.Background(), "c1", "first")
	require.NoError(t, err)

	_, err = f.svc.SubmitLive(context.Background(), "c1", "second")
	require.ErrorIs(t, err, ErrConversationBusy)
}

func TestSubmitLiveRejectsEmptyMessage(t *testing.T) {
	f := newServiceFixture(t, &scriptedUpstream{})
	_, err := f.svc.SubmitLive(context.Background(), "c1", "")
	require.Error(t, err)
}

func TestSubmitLiveUpstreamFailureDeliversErrorTerminal(t *testing.T) {
	streamCh := make(chan upstream.Event, 4)
	streamCh <- upstream.NewTokenEvent("c1", "Linen blazer")
	streamCh <- upstream.NewReferenceEvent("c1", nil)
	streamCh <- upstream.NewErrorEvent("c1", "generation failed")
	close(streamCh)

	sink := &captureSink{}
	f := newServiceFixture(t, &scriptedUpstream{streamCh: streamCh}, func(cfg *ServiceConfig) {
		cfg.Metrics = sink
	})

	_, err := f.svc.SubmitLive(context.Background(), "c1", "what should I wear")
	require.NoError(t, err)

	// The failure must release the conversation promptly, long before the hard
	// session deadline.
	require.Eventually(t, func() bool {
		conv, ok := f.cm.GetConversation("c1")
		return ok && conv.ActiveSession() == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"error"}, sink.terminalKinds())

	// The stage finished before the failure stays in the transcript.
	entries, err := f.store.List(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, chatstore.RoleUser, entries[0].Role)
	require.Equal(t, "style", entries[1].StageName)
}

func TestSubmitLiveHardTimeoutReleasesSession(t *testing.T) {
	// The stream stalls after one token and never terminates.
	streamCh := make(chan upstream.Event, 1)
	streamCh <- upstream.NewTokenEvent("c1", "Linen ")

	sink := &captureSink{}
	f := newServiceFixture(t, &scriptedUpstream{streamCh: streamCh}, func(cfg *ServiceConfig) {
		cfg.Metrics = sink
		cfg.SessionTimeout = 50 * time.Millisecond
	})

	_, err := f.svc.SubmitLive(context.Background(), "c1", "what should I wear")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		conv, ok := f.cm.GetConversation("c1")
		return ok && conv.ActiveSession() == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"error"}, sink.terminalKinds())
	close(streamCh)
}

func TestSubmitLivePreparesConversationTopic(t *testing.T) {
	streamCh := make(chan upstream.Event, 1)
	streamCh <- upstream.NewEndEvent("c1")
	close(streamCh)

	prep := &recordingPreparer{}
	f := newServiceFixture(t, &scriptedUpstream{streamCh: streamCh}, func(cfg *ServiceConfig) {
		cfg.Topics = prep
	})

	_, err := f.svc.SubmitLive(context.Background(), "c1", "hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		prepared := prep.prepared()
		return len(prepared) == 1 && prepared[0] == "chat:c1"
	}, 2*time.Second, 10*time.Millisecond)
}
