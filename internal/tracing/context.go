// Package tracing implements the per-message trace lifecycle: a scoped
// context created at webhook receipt, stage logging with payload archival,
// and a finalize path guaranteed to run exactly once on every exit path.
package tracing

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acrispino/chat-relay/internal/domain"
	"github.com/acrispino/chat-relay/internal/storage"
)

// Context correlates one inbound message through the pipeline stages. It is
// owned by exactly one request; concurrent contexts share nothing but the
// underlying store.
//
// Every store interaction is fail-open: tracing must never be the cause of
// a business-request failure, so errors are logged and swallowed here.
type Context struct {
	store  storage.TraceStore
	logger *slog.Logger

	traceID    string
	receivedAt time.Time

	mu               sync.Mutex
	finalized        bool
	backendRequestAt time.Time
}

// Begin creates the trace row (status=received) and archives the inbound
// envelope as the webhook_received payload. It always returns a usable
// context, even when the store is failing.
func Begin(ctx context.Context, store storage.TraceStore, logger *slog.Logger, env *domain.Envelope) *Context {
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now().UTC()
	tc := &Context{
		store:      store,
		logger:     logger,
		traceID:    "trc_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		receivedAt: now,
	}

	t := &domain.Trace{
		TraceID:          tc.traceID,
		InstanceName:     env.InstanceName,
		ChannelMessageID: env.ChannelMessageID,
		SenderPhone:      env.SenderPhone,
		SenderName:       env.SenderName,
		SenderChannelID:  env.SenderChannelID,
		SessionName:      env.SessionName,
		AgentSessionID:   env.AgentSessionID,
		MessageType:      env.MessageType,
		HasMedia:         env.HasMedia,
		HasQuotedMessage: env.HasQuotedMessage,
		MessageLength:    len(env.Text),
		ReceivedAt:       now,
		Status:           domain.StatusReceived,
	}
	if err := store.CreateTrace(ctx, t); err != nil {
		logger.Error("failed to create trace",
			slog.String("trace_id", tc.traceID),
			slog.String("error", err.Error()))
	}

	var raw any = env
	if len(env.Raw) > 0 {
		raw = env.Raw
	}
	tc.archive(ctx, domain.StageWebhookReceived, raw, domain.PayloadMeta{Kind: domain.KindRequest})

	return tc
}

// TraceID returns the opaque trace identifier generated at receipt.
func (tc *Context) TraceID() string {
	return tc.traceID
}

// MarkProcessing transitions the trace from received to processing and
// records the processing start timestamp.
func (tc *Context) MarkProcessing(ctx context.Context) {
	if tc.isFinalized() {
		return
	}
	now := time.Now().UTC()
	status := domain.StatusProcessing
	tc.update(ctx, domain.TraceUpdate{
		Status:              &status,
		ProcessingStartedAt: &now,
	})
}

// LogStage archives a payload row for an arbitrary stage. It does not
// change the top-level status.
func (tc *Context) LogStage(ctx context.Context, stage domain.PayloadStage, payload any, kind domain.PayloadKind) {
	tc.archive(ctx, stage, payload, domain.PayloadMeta{Kind: kind})
}

// LogAccessDecision records the access-control outcome. A blocked decision
// immediately finalizes the trace; no further stage calls are accepted.
func (tc *Context) LogAccessDecision(ctx context.Context, allowed bool, ruleID, reason string) {
	if allowed {
		return
	}
	blocked := true
	tc.Finalize(ctx, domain.StatusBlocked, &domain.TraceUpdate{
		BlockedByRule:  &blocked,
		RuleID:         &ruleID,
		BlockingReason: &reason,
	})
}

// LogBackendRequest archives the outgoing backend payload and records the
// backend request timestamp used later for first-token latency.
func (tc *Context) LogBackendRequest(ctx context.Context, payload any) {
	if tc.isFinalized() {
		return
	}
	now := time.Now().UTC()

	tc.mu.Lock()
	tc.backendRequestAt = now
	tc.mu.Unlock()

	tc.archive(ctx, domain.StageBackendRequest, payload, domain.PayloadMeta{Kind: domain.KindRequest})
	tc.update(ctx, domain.TraceUpdate{BackendRequestAt: &now})
}

// LogBackendResponse archives the backend response and records its timing
// and status code.
func (tc *Context) LogBackendResponse(ctx context.Context, payload any, processingTime time.Duration, statusCode int) {
	if tc.isFinalized() {
		return
	}
	now := time.Now().UTC()
	ms := processingTime.Milliseconds()

	tc.archive(ctx, domain.StageBackendResponse, payload, domain.PayloadMeta{
		Kind:       domain.KindResponse,
		StatusCode: &statusCode,
	})
	tc.update(ctx, domain.TraceUpdate{
		BackendResponseAt:   &now,
		BackendProcessingMS: &ms,
	})
}

// LogOutboundResult records the outbound delivery outcome. Delivery can
// fail independently of a successful backend response.
func (tc *Context) LogOutboundResult(ctx context.Context, success bool, statusCode int) {
	// Milestone updates carry no status change, so the store's terminal
	// guard does not apply; the local flag has to reject them.
	if tc.isFinalized() {
		return
	}
	now := time.Now().UTC()

	tc.archive(ctx, domain.StageOutboundSend, map[string]any{
		"success":     success,
		"status_code": statusCode,
	}, domain.PayloadMeta{Kind: domain.KindResponse, StatusCode: &statusCode})
	tc.update(ctx, domain.TraceUpdate{
		OutboundSendAt:     &now,
		OutboundStatusCode: &statusCode,
		OutboundSuccess:    &success,
	})
}

// SetTokenCounts records token metrics for the backend exchange.
func (tc *Context) SetTokenCounts(ctx context.Context, requestTokens, responseTokens int) {
	if tc.isFinalized() {
		return
	}
	tc.update(ctx, domain.TraceUpdate{
		RequestTokens:  &requestTokens,
		ResponseTokens: &responseTokens,
	})
}

// Fail archives the error and finalizes the trace as an error at the given
// stage.
func (tc *Context) Fail(ctx context.Context, stage string, err error) {
	// Failures frequently arrive with an already-canceled context.
	ctx = context.WithoutCancel(ctx)

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	tc.archive(ctx, domain.StageError, map[string]any{
		"stage": stage,
		"error": msg,
	}, domain.PayloadMeta{Kind: domain.KindError, ErrorDetails: msg})

	tc.Finalize(ctx, domain.StatusError, &domain.TraceUpdate{
		ErrorMessage: &msg,
		ErrorStage:   &stage,
	})
}

// Finalize writes the terminal status. Only the first call per trace has
// any effect; streaming and non-streaming paths both end here, so terminal
// state logic cannot diverge.
func (tc *Context) Finalize(ctx context.Context, status domain.TraceStatus, extra *domain.TraceUpdate) {
	tc.mu.Lock()
	if tc.finalized {
		tc.mu.Unlock()
		return
	}
	tc.finalized = true
	tc.mu.Unlock()

	// The terminal write must land even when the request context is already
	// canceled; a timed-out request is exactly the trace worth keeping.
	ctx = context.WithoutCancel(ctx)

	now := time.Now().UTC()
	total := now.Sub(tc.receivedAt).Milliseconds()

	upd := domain.TraceUpdate{
		Status:            &status,
		CompletedAt:       &now,
		TotalProcessingMS: &total,
	}
	upd.Merge(extra)
	tc.update(ctx, upd)
}

// Release finalizes the trace as an error if no terminal status has been
// written yet. Deferred by the owning request, it guarantees exactly one
// terminal state on every exit path, including panics: deferred calls run
// during unwinding before any outer recovery.
func (tc *Context) Release(ctx context.Context) {
	if tc.isFinalized() {
		return
	}
	msg := "request terminated before completion"
	stage := "pipeline"
	tc.Finalize(ctx, domain.StatusError, &domain.TraceUpdate{
		ErrorMessage: &msg,
		ErrorStage:   &stage,
	})
}

func (tc *Context) isFinalized() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.finalized
}

// backendRequestTime returns when the backend request was issued, or the
// zero time if it never was.
func (tc *Context) backendRequestTime() time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.backendRequestAt
}

func (tc *Context) archive(ctx context.Context, stage domain.PayloadStage, payload any, meta domain.PayloadMeta) {
	if err := tc.store.AppendPayload(ctx, tc.traceID, stage, payload, meta); err != nil {
		if errors.Is(err, domain.ErrTraceFinalized) {
			tc.logger.Warn("payload rejected for finalized trace",
				slog.String("trace_id", tc.traceID),
				slog.String("stage", string(stage)))
			return
		}
		tc.logger.Error("failed to archive payload",
			slog.String("trace_id", tc.traceID),
			slog.String("stage", string(stage)),
			slog.String("error", err.Error()))
	}
}

func (tc *Context) update(ctx context.Context, upd domain.TraceUpdate) {
	if err := tc.store.UpdateTrace(ctx, tc.traceID, upd); err != nil {
		if errors.Is(err, domain.ErrTraceFinalized) {
			return
		}
		tc.logger.Error("failed to update trace",
			slog.String("trace_id", tc.traceID),
			slog.String("error", err.Error()))
	}
}
