package domain

import "time"

// TraceFilter narrows trace queries. Zero-value fields are not applied.
// Start/End bound received_at; nil means unbounded on that side.
type TraceFilter struct {
	InstanceName   string
	SessionName    string
	AgentSessionID string
	Sender         string
	HasMedia       *bool
	Status         TraceStatus
	Start          *time.Time
	End            *time.Time
}

// Page is offset/limit pagination. Results are ordered by received_at
// descending.
type Page struct {
	Limit  int
	Offset int
}

// TraceSummary aggregates the row set selected by a TraceFilter. It is
// always computed from the identical filtered set used by the list query.
type TraceSummary struct {
	TotalMessages int     `json:"total_messages"`
	Completed     int     `json:"completed"`
	Errors        int     `json:"errors"`
	Blocked       int     `json:"blocked"`
	SuccessRate   float64 `json:"success_rate"`
	AvgTotalMS    float64 `json:"avg_total_processing_ms"`
	MinTotalMS    int64   `json:"min_total_processing_ms"`
	MaxTotalMS    int64   `json:"max_total_processing_ms"`
	AvgBackendMS  float64 `json:"avg_backend_processing_ms"`
}
