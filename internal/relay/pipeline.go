package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/acrispino/chat-relay/internal/domain"
	"github.com/acrispino/chat-relay/internal/storage"
	"github.com/acrispino/chat-relay/internal/tokens"
	"github.com/acrispino/chat-relay/internal/tracing"
)

// Pipeline processes one inbound envelope end to end. Each invocation owns
// exactly one trace context; the context is released on every exit path, so
// every trace reaches a terminal status exactly once even when a stage
// panics.
type Pipeline struct {
	store     storage.TraceStore
	access    AccessEvaluator
	backend   BackendClient
	sender    OutboundSender
	estimator *tokens.Estimator
	logger    *slog.Logger

	streaming  bool
	streamOpts tracing.StreamOptions
}

// Options configures a Pipeline.
type Options struct {
	Store     storage.TraceStore
	Access    AccessEvaluator
	Backend   BackendClient
	Sender    OutboundSender
	Estimator *tokens.Estimator
	Logger    *slog.Logger
	// Streaming selects the streamed backend path and its chunk sampling.
	Streaming  bool
	StreamOpts tracing.StreamOptions
}

// NewPipeline wires the pipeline from its collaborators.
func NewPipeline(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	estimator := opts.Estimator
	if estimator == nil {
		estimator = tokens.NewEstimator()
	}
	return &Pipeline{
		store:      opts.Store,
		access:     opts.Access,
		backend:    opts.Backend,
		sender:     opts.Sender,
		estimator:  estimator,
		logger:     logger,
		streaming:  opts.Streaming,
		streamOpts: opts.StreamOpts,
	}
}

// Handle relays one envelope. The returned trace id identifies the trace
// created at receipt; err reports the business outcome, which has already
// been recorded on the trace.
func (p *Pipeline) Handle(ctx context.Context, env *domain.Envelope) (traceID string, err error) {
	tc := tracing.Begin(ctx, p.store, p.logger, env)
	defer tc.Release(ctx)

	tc.MarkProcessing(ctx)

	decision := p.access.Evaluate(ctx, env)
	tc.LogAccessDecision(ctx, decision.Allowed, decision.RuleID, decision.Reason)
	if !decision.Allowed {
		p.logger.Info("message blocked",
			slog.String("trace_id", tc.TraceID()),
			slog.String("rule_id", decision.RuleID))
		return tc.TraceID(), nil
	}

	req := &BackendRequest{
		SessionName: env.SessionName,
		Sender:      env.SenderPhone,
		Message:     env.Text,
	}
	tc.LogBackendRequest(ctx, req)

	if p.streaming {
		return tc.TraceID(), p.handleStream(ctx, tc, env, req)
	}

	start := time.Now()
	resp, err := p.backend.Send(ctx, req)
	if err != nil {
		tc.Fail(ctx, "backend", err)
		return tc.TraceID(), fmt.Errorf("backend exchange failed: %w", err)
	}
	tc.LogBackendResponse(ctx, backendPayload(resp), time.Since(start), resp.StatusCode)

	result := p.sender.Send(ctx, env, resp.Content)
	tc.LogOutboundResult(ctx, result.Success, result.StatusCode)

	tc.Finalize(ctx, domain.StatusCompleted, p.completionFields(req, resp.Content, resp.ToolCallCount))
	return tc.TraceID(), nil
}

// handleStream runs the streamed backend path. Chunk logging happens inside
// the delivery callback, so archived timestamps reflect real delivery
// cadence.
func (p *Pipeline) handleStream(ctx context.Context, tc *tracing.Context, env *domain.Envelope, req *BackendRequest) error {
	sc := tracing.NewStreaming(tc, p.streamOpts)
	sc.LogStreamStart(ctx, map[string]any{
		"session_name": env.SessionName,
		"sample_every": p.streamOpts.SampleEvery,
	})

	resp, err := p.backend.Stream(ctx, req, func(ctx context.Context, chunk StreamChunk) {
		sc.LogStreamChunk(ctx, chunk.Content, chunk.Index, chunk.Meta)
	})
	if err != nil {
		sc.LogStreamError(ctx, err, "backend")
		return fmt.Errorf("backend stream failed: %w", err)
	}

	final := resp.Content
	if final == "" {
		final = sc.Content()
	}

	result := p.sender.Send(ctx, env, final)
	tc.LogOutboundResult(ctx, result.Success, result.StatusCode)

	// LogStreamComplete delegates to the same finalize path as the
	// non-streaming branch; token counts ride along as extra fields set
	// just before.
	p.recordTokens(ctx, tc, req, final)
	sc.LogStreamComplete(ctx, final, nil)
	return nil
}

func (p *Pipeline) completionFields(req *BackendRequest, content string, toolCalls int) *domain.TraceUpdate {
	success := true
	length := len(content)
	reqTokens := p.estimator.Count(req.Message)
	respTokens := p.estimator.Count(content)
	return &domain.TraceUpdate{
		ResponseSuccess: &success,
		ResponseLength:  &length,
		RequestTokens:   &reqTokens,
		ResponseTokens:  &respTokens,
		ToolCallCount:   &toolCalls,
	}
}

// recordTokens writes token counts ahead of the streaming finalize, which
// owns the terminal status fields itself.
func (p *Pipeline) recordTokens(ctx context.Context, tc *tracing.Context, req *BackendRequest, content string) {
	tc.SetTokenCounts(ctx, p.estimator.Count(req.Message), p.estimator.Count(content))
}

func backendPayload(resp *BackendResponse) any {
	if resp.Raw != nil {
		return resp.Raw
	}
	return resp
}
