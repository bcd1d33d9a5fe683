package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-compatible generation backend.
type OpenAIConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	RequestTimeout time.Duration
}

// OpenAIClient drives one chat completion per stage, in stage order, and maps
// the raw model output into token/reference/end events. Reference markers are
// extracted by a MarkerScanner; a reference event is emitted at the end of
// every stage even when the model named no items, because the reference event
// doubles as the stage boundary.
type OpenAIClient struct {
	api   *openai.Client
	model string
}

var _ Client = &OpenAIClient{}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("upstream: missing api key")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("upstream: missing model")
	}
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	if hc := requestHTTPClient(cfg.RequestTimeout); hc != nil {
		apiCfg.HTTPClient = hc
	}
	return &OpenAIClient{api: openai.NewClientWithConfig(apiCfg), model: cfg.Model}, nil
}

// requestHTTPClient bounds every upstream call with a client-side deadline.
// A non-positive timeout keeps the library default client.
func requestHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		return nil
	}
	return &http.Client{Timeout: timeout}
}

// Stream runs the stage plan and emits events on the returned channel. The
// channel is closed after the end event, or early when ctx is cancelled.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if c == nil || c.api == nil {
		return nil, errors.New("upstream: client is not initialized")
	}
	if len(req.Stages) == 0 {
		return nil, errors.New("upstream: empty stage plan")
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for _, stage := range req.Stages {
			if err := c.streamStage(ctx, req, stage, out); err != nil {
				log.Warn().Err(err).
					Str("component", "upstream").
					Str("conv_id", req.ConvID).
					Str("stage", stage.Name).
					Msg("stage generation aborted")
				// Consumers must always observe a terminating event.
				select {
				case out <- NewErrorEvent(req.ConvID, "generation failed"):
				case <-ctx.Done():
				}
				return
			}
		}
		select {
		case out <- NewEndEvent(req.ConvID):
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (c *OpenAIClient) streamStage(ctx context.Context, req Request, stage StageConfig, out chan<- Event) error {
	stream, err := c.api.CreateChatCompletionStream(ctx, c.completionRequest(req, stage, true))
	if err != nil {
		return errors.Wrapf(err, "open stream for stage %s", stage.Name)
	}
	defer func() { _ = stream.Close() }()

	emit := func(ev Event) error {
		select {
		case out <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var scanner MarkerScanner
	var refs []string
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "recv for stage %s", stage.Name)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		text, groups := scanner.Scan(resp.Choices[0].Delta.Content)
		if text != "" {
			if err := emit(NewTokenEvent(req.ConvID, text)); err != nil {
				return err
			}
		}
		for _, g := range groups {
			refs = append(refs, g...)
		}
	}
	if rest := scanner.Flush(); rest != "" {
		if err := emit(NewTokenEvent(req.ConvID, rest)); err != nil {
			return err
		}
	}
	return emit(NewReferenceEvent(req.ConvID, refs))
}

// Generate is the blocking multi-stage call used by the queued path. One
// non-streaming completion per stage, collected into the same event sequence
// Stream would produce.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) ([]Event, error) {
	if c == nil || c.api == nil {
		return nil, errors.New("upstream: client is not initialized")
	}
	if len(req.Stages) == 0 {
		return nil, errors.New("upstream: empty stage plan")
	}
	events := make([]Event, 0, len(req.Stages)*2+1)
	for _, stage := range req.Stages {
		resp, err := c.api.CreateChatCompletion(ctx, c.completionRequest(req, stage, false))
		if err != nil {
			return nil, errors.Wrapf(err, "upstream: generate stage %s", stage.Name)
		}
		if len(resp.Choices) == 0 {
			return nil, errors.Errorf("upstream: empty completion for stage %s", stage.Name)
		}
		var scanner MarkerScanner
		text, groups := scanner.Scan(resp.Choices[0].Message.Content)
		text += scanner.Flush()
		if text != "" {
			events = append(events, NewTokenEvent(req.ConvID, text))
		}
		var refs []string
		for _, g := range groups {
			refs = append(refs, g...)
		}
		events = append(events, NewReferenceEvent(req.ConvID, refs))
	}
	events = append(events, NewEndEvent(req.ConvID))
	return events, nil
}

func (c *OpenAIClient) completionRequest(req Request, stage StageConfig, stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:  c.model,
		Stream: stream,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: stagePrompt(stage)},
			{Role: openai.ChatMessageRoleUser, Content: req.Message},
		},
	}
}

func stagePrompt(stage StageConfig) string {
	persona := stage.Persona
	if strings.TrimSpace(persona) == "" {
		persona = fmt.Sprintf("You are a %s advisor for a fashion shopping assistant.", stage.Name)
	}
	return persona + " When you recommend catalog items, finish your answer with a single marker of the form [[REF:ID1,ID2]] listing their ids."
}
