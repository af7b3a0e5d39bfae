// Package storage defines the persistence interface for trace headers and
// archived payload rows.
package storage

import (
	"context"
	"time"

	"github.com/acrispino/chat-relay/internal/domain"
)

// TraceStore persists trace headers and their append-only payload rows.
//
// Payload rows are committed immediately and independently of the parent
// trace header, so a partial failure still leaves a diagnosable payload
// history. Implementations must reject stage writes against traces that
// already reached a terminal status.
type TraceStore interface {
	// CreateTrace inserts a new trace header.
	CreateTrace(ctx context.Context, t *domain.Trace) error

	// UpdateTrace applies a partial update. It returns
	// domain.ErrTraceFinalized when the trace is already terminal and the
	// update would change its status.
	UpdateTrace(ctx context.Context, traceID string, upd domain.TraceUpdate) error

	// AppendPayload compresses payload through the payload codec and writes
	// one archival row. Returns domain.ErrTraceFinalized when the parent
	// trace is terminal.
	AppendPayload(ctx context.Context, traceID string, stage domain.PayloadStage, payload any, meta domain.PayloadMeta) error

	// GetTrace returns the trace header or domain.ErrTraceNotFound.
	GetTrace(ctx context.Context, traceID string) (*domain.Trace, error)

	// GetPayloads returns the archived payload rows for a trace ordered by
	// timestamp ascending.
	GetPayloads(ctx context.Context, traceID string) ([]*domain.PayloadRecord, error)

	// QueryTraces returns the filtered page ordered by received_at
	// descending, plus the total row count for the filter.
	QueryTraces(ctx context.Context, f domain.TraceFilter, p domain.Page) ([]*domain.Trace, int, error)

	// Summarize aggregates the identical row set QueryTraces would select.
	Summarize(ctx context.Context, f domain.TraceFilter) (*domain.TraceSummary, error)

	// FinalizeStale transitions non-terminal traces received before cutoff
	// to the error status and returns how many were reconciled.
	FinalizeStale(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
