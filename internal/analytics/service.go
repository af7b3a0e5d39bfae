// Package analytics exposes filtered listing and aggregate summaries over
// stored traces, independent of any live request.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/acrispino/chat-relay/internal/domain"
	"github.com/acrispino/chat-relay/internal/storage"
)

const (
	// defaultWindow restricts queries without explicit dates to recent
	// traffic.
	defaultWindow = 24 * time.Hour

	defaultLimit = 50
	maxLimit     = 500
)

// Query is the operator-facing filter set, shared by the list and summary
// endpoints.
type Query struct {
	InstanceName   string
	SessionName    string
	AgentSessionID string
	Sender         string
	HasMedia       *bool
	Status         string
	StartDate      *time.Time
	EndDate        *time.Time
	// AllTime disables the default lookback window. When set, any explicit
	// date range is ignored entirely.
	AllTime bool
	Limit   int
	Offset  int
}

// ListResult is one page of trace summaries plus the total filtered count.
type ListResult struct {
	Traces     []*domain.Trace `json:"traces"`
	TotalCount int             `json:"total_count"`
	Limit      int             `json:"limit"`
	Offset     int             `json:"offset"`
}

// Service answers analytics queries against the trace store.
type Service struct {
	store storage.TraceStore
	now   func() time.Time
}

// New creates the analytics service.
func New(store storage.TraceStore) *Service {
	return &Service{store: store, now: time.Now}
}

// normalize translates a Query into a store filter, applying the window
// policy: all_time wins over explicit dates; with neither, the last 24
// hours from now.
func (s *Service) normalize(q Query) domain.TraceFilter {
	f := domain.TraceFilter{
		InstanceName:   q.InstanceName,
		SessionName:    q.SessionName,
		AgentSessionID: q.AgentSessionID,
		Sender:         q.Sender,
		HasMedia:       q.HasMedia,
		Status:         domain.TraceStatus(q.Status),
	}
	if q.AllTime {
		return f
	}
	if q.StartDate != nil || q.EndDate != nil {
		f.Start = q.StartDate
		f.End = q.EndDate
		return f
	}
	start := s.now().UTC().Add(-defaultWindow)
	f.Start = &start
	return f
}

// List returns the filtered page ordered by received_at descending.
func (s *Service) List(ctx context.Context, q Query) (*ListResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	traces, total, err := s.store.QueryTraces(ctx, s.normalize(q), domain.Page{Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("failed to list traces: %w", err)
	}
	return &ListResult{
		Traces:     traces,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// Summary aggregates the identical filtered row set List selects, so
// total_messages always equals the list's total count.
func (s *Service) Summary(ctx context.Context, q Query) (*domain.TraceSummary, error) {
	sum, err := s.store.Summarize(ctx, s.normalize(q))
	if err != nil {
		return nil, fmt.Errorf("failed to summarize traces: %w", err)
	}
	// Guard against aggregation drift; the rate is a ratio of row counts.
	if sum.SuccessRate < 0 {
		sum.SuccessRate = 0
	}
	if sum.SuccessRate > 1 {
		sum.SuccessRate = 1
	}
	return sum, nil
}
