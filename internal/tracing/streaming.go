package tracing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/acrispino/chat-relay/internal/domain"
)

// errorContentLimit bounds how much accumulated content is archived when a
// stream fails mid-flight.
const errorContentLimit = 2000

// StreamOptions controls the chunk archival sampling policy. Every chunk is
// counted and accumulated in memory; only sampled chunks are archived to
// bound storage volume.
type StreamOptions struct {
	// SampleEvery archives every Nth chunk. Zero or negative disables
	// index-based sampling (the first chunk is always archived).
	SampleEvery int
	// SizeThreshold archives any chunk at least this many bytes long,
	// regardless of index. Zero disables the size rule.
	SizeThreshold int
}

// StreamSummary describes a stream after completion, for logs and tests.
type StreamSummary struct {
	Status               string        `json:"status"`
	ChunkCount           int           `json:"chunk_count"`
	ContentLength        int           `json:"content_length"`
	FirstTokenLatency    time.Duration `json:"first_token_latency_ms"`
	TotalStreamDuration  time.Duration `json:"total_stream_duration_ms"`
	FirstTokenToComplete time.Duration `json:"first_token_to_complete_ms"`
}

// StreamingContext extends Context for backend responses delivered as a
// sequence of content increments. It folds into the same Finalize path used
// by non-streaming traces, so downstream analytics treat both identically.
type StreamingContext struct {
	*Context

	opts StreamOptions

	smu           sync.Mutex
	buf           strings.Builder
	chunkCount    int
	streamStartAt time.Time
	firstTokenAt  time.Time
	completedAt   time.Time
}

// NewStreaming wraps an existing trace context for a streamed backend
// response.
func NewStreaming(tc *Context, opts StreamOptions) *StreamingContext {
	if opts.SampleEvery < 0 {
		opts.SampleEvery = 0
	}
	return &StreamingContext{Context: tc, opts: opts}
}

// LogStreamStart archives the stream configuration. The top-level status is
// not changed yet.
func (sc *StreamingContext) LogStreamStart(ctx context.Context, config any) {
	sc.smu.Lock()
	sc.streamStartAt = time.Now().UTC()
	sc.smu.Unlock()

	sc.archive(ctx, domain.StageStreamStart, config, domain.PayloadMeta{Kind: domain.KindStreamEvent})
}

// LogFirstToken fires exactly once per trace, on the first received
// increment, recording first-token latency relative to the backend request.
// Later calls are no-ops.
func (sc *StreamingContext) LogFirstToken(ctx context.Context, content string, meta map[string]any) {
	now := time.Now().UTC()

	sc.smu.Lock()
	if !sc.firstTokenAt.IsZero() {
		sc.smu.Unlock()
		return
	}
	sc.firstTokenAt = now
	streamStart := sc.streamStartAt
	sc.smu.Unlock()

	latency := sc.firstTokenLatency(now, streamStart)
	event := map[string]any{
		"first_token":            true,
		"content":                content,
		"first_token_latency_ms": latency.Milliseconds(),
	}
	for k, v := range meta {
		event[k] = v
	}
	sc.archive(ctx, domain.StageStreamChunk, event, domain.PayloadMeta{Kind: domain.KindStreamEvent})
}

// LogStreamChunk accumulates content in memory and archives the chunk only
// when the sampling policy selects it. The first chunk also fires the
// first-token event.
func (sc *StreamingContext) LogStreamChunk(ctx context.Context, content string, index int, meta map[string]any) {
	sc.smu.Lock()
	first := sc.firstTokenAt.IsZero()
	sc.smu.Unlock()
	if first {
		sc.LogFirstToken(ctx, content, meta)
	}

	sc.smu.Lock()
	sc.buf.WriteString(content)
	sc.chunkCount++
	sc.smu.Unlock()

	if first || !sc.sampled(index, len(content)) {
		return
	}

	event := map[string]any{
		"index":   index,
		"content": content,
	}
	for k, v := range meta {
		event[k] = v
	}
	sc.archive(ctx, domain.StageStreamChunk, event, domain.PayloadMeta{Kind: domain.KindStreamEvent})
}

// sampled applies the archival sampling policy.
func (sc *StreamingContext) sampled(index, size int) bool {
	if sc.opts.SizeThreshold > 0 && size >= sc.opts.SizeThreshold {
		return true
	}
	if sc.opts.SampleEvery > 0 && index%sc.opts.SampleEvery == 0 {
		return true
	}
	return false
}

// LogStreamComplete archives the stream summary and delegates to the shared
// Finalize path with status completed. When finalContent is empty the
// accumulated buffer is used.
func (sc *StreamingContext) LogStreamComplete(ctx context.Context, finalContent string, meta map[string]any) {
	now := time.Now().UTC()

	sc.smu.Lock()
	sc.completedAt = now
	if finalContent == "" {
		finalContent = sc.buf.String()
	}
	chunkCount := sc.chunkCount
	streamStart := sc.streamStartAt
	firstToken := sc.firstTokenAt
	sc.smu.Unlock()

	event := map[string]any{
		"chunk_count":    chunkCount,
		"content_length": len(finalContent),
	}
	if !streamStart.IsZero() {
		event["total_stream_duration_ms"] = now.Sub(streamStart).Milliseconds()
	}
	if !firstToken.IsZero() {
		event["first_token_to_complete_ms"] = now.Sub(firstToken).Milliseconds()
	}
	for k, v := range meta {
		event[k] = v
	}
	sc.archive(ctx, domain.StageStreamComplete, event, domain.PayloadMeta{Kind: domain.KindStreamEvent})

	success := true
	length := len(finalContent)
	sc.Finalize(ctx, domain.StatusCompleted, &domain.TraceUpdate{
		ResponseSuccess: &success,
		ResponseLength:  &length,
	})
}

// LogStreamError records the truncated partial content and finalizes the
// trace as an error at the given stage.
func (sc *StreamingContext) LogStreamError(ctx context.Context, err error, stage string) {
	// A broken stream usually means a dead request context.
	ctx = context.WithoutCancel(ctx)

	msg := "unknown stream error"
	if err != nil {
		msg = err.Error()
	}

	sc.smu.Lock()
	partial := sc.buf.String()
	chunkCount := sc.chunkCount
	sc.smu.Unlock()
	if len(partial) > errorContentLimit {
		partial = partial[:errorContentLimit]
	}

	sc.archive(ctx, domain.StageError, map[string]any{
		"stage":           stage,
		"error":           msg,
		"partial_content": partial,
		"chunk_count":     chunkCount,
	}, domain.PayloadMeta{Kind: domain.KindError, ErrorDetails: msg})

	length := len(partial)
	sc.Finalize(ctx, domain.StatusError, &domain.TraceUpdate{
		ErrorMessage:   &msg,
		ErrorStage:     &stage,
		ResponseLength: &length,
	})
}

// Summary reports the stream metrics. If no first token was ever received
// the status is "no_streaming_data" and no metrics are fabricated.
func (sc *StreamingContext) Summary() StreamSummary {
	sc.smu.Lock()
	defer sc.smu.Unlock()

	if sc.firstTokenAt.IsZero() {
		return StreamSummary{Status: "no_streaming_data"}
	}

	end := sc.completedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return StreamSummary{
		Status:               "ok",
		ChunkCount:           sc.chunkCount,
		ContentLength:        sc.buf.Len(),
		FirstTokenLatency:    sc.firstTokenLatency(sc.firstTokenAt, sc.streamStartAt),
		TotalStreamDuration:  end.Sub(sc.streamStartAt),
		FirstTokenToComplete: end.Sub(sc.firstTokenAt),
	}
}

// Content returns the accumulated stream content so far.
func (sc *StreamingContext) Content() string {
	sc.smu.Lock()
	defer sc.smu.Unlock()
	return sc.buf.String()
}

// firstTokenLatency measures from the backend request when available,
// falling back to the stream start. Callers pass streamStart so this stays
// lock-free regardless of whether smu is held.
func (sc *StreamingContext) firstTokenLatency(at, streamStart time.Time) time.Duration {
	ref := sc.backendRequestTime()
	if ref.IsZero() {
		ref = streamStart
	}
	if ref.IsZero() || at.Before(ref) {
		return 0
	}
	return at.Sub(ref)
}
