package upstream

import "context"

// Client is the upstream generation service. Stream delivers parsed events as
// they are produced; Generate blocks and returns the full ordered event list
// for the queued delivery path.
//
// Both paths uphold the same protocol: tokens and references arrive in stage
// order, each stage is closed by exactly one reference event, and the stream
// ends with a single end event.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
	Generate(ctx context.Context, req Request) ([]Event, error)
}
