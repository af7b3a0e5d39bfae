// Package domain defines the core types shared by the tracing pipeline:
// the trace header, archived payload records, the channel-neutral inbound
// envelope, and the filter/summary types used by analytics queries.
package domain

import (
	"errors"
	"time"
)

// ErrTraceNotFound is returned by stores when a trace_id does not exist.
var ErrTraceNotFound = errors.New("trace not found")

// ErrTraceFinalized is returned when a write is attempted against a trace
// that has already reached a terminal status.
var ErrTraceFinalized = errors.New("trace already finalized")

// TraceStatus is the top-level lifecycle status of a trace.
type TraceStatus string

const (
	StatusReceived   TraceStatus = "received"
	StatusProcessing TraceStatus = "processing"
	StatusBlocked    TraceStatus = "blocked"
	StatusCompleted  TraceStatus = "completed"
	StatusError      TraceStatus = "error"
)

// IsTerminal reports whether the status is one of the terminal values.
// A trace in a terminal status accepts no further writes.
func (s TraceStatus) IsTerminal() bool {
	switch s {
	case StatusBlocked, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Trace is the complete record of one inbound message's journey through
// the relay pipeline, keyed by TraceID. One row per inbound message.
type Trace struct {
	TraceID string `db:"trace_id" json:"trace_id"`

	// Correlation
	InstanceName     string `db:"instance_name" json:"instance_name"`
	ChannelMessageID string `db:"channel_message_id" json:"channel_message_id,omitempty"`
	SenderPhone      string `db:"sender_phone" json:"sender_phone,omitempty"`
	SenderName       string `db:"sender_name" json:"sender_name,omitempty"`
	SenderChannelID  string `db:"sender_channel_id" json:"sender_channel_id,omitempty"`
	SessionName      string `db:"session_name" json:"session_name,omitempty"`
	AgentSessionID   string `db:"agent_session_id" json:"agent_session_id,omitempty"`

	// Classification
	MessageType      string `db:"message_type" json:"message_type,omitempty"`
	HasMedia         bool   `db:"has_media" json:"has_media"`
	HasQuotedMessage bool   `db:"has_quoted_message" json:"has_quoted_message"`
	MessageLength    int    `db:"message_length" json:"message_length"`

	// Timestamps; pointers are nil until the corresponding stage is reached.
	ReceivedAt          time.Time  `db:"received_at" json:"received_at"`
	ProcessingStartedAt *time.Time `db:"processing_started_at" json:"processing_started_at,omitempty"`
	BackendRequestAt    *time.Time `db:"backend_request_at" json:"backend_request_at,omitempty"`
	BackendResponseAt   *time.Time `db:"backend_response_at" json:"backend_response_at,omitempty"`
	OutboundSendAt      *time.Time `db:"outbound_send_at" json:"outbound_send_at,omitempty"`
	CompletedAt         *time.Time `db:"completed_at" json:"completed_at,omitempty"`

	Status TraceStatus `db:"status" json:"status"`

	// Access-control outcome
	BlockedByRule  bool   `db:"blocked_by_rule" json:"blocked_by_rule"`
	RuleID         string `db:"rule_id" json:"rule_id,omitempty"`
	BlockingReason string `db:"blocking_reason" json:"blocking_reason,omitempty"`

	// Error info; set only when Status is StatusError.
	ErrorMessage string `db:"error_message" json:"error_message,omitempty"`
	ErrorStage   string `db:"error_stage" json:"error_stage,omitempty"`

	// Performance
	BackendProcessingMS int64 `db:"backend_processing_ms" json:"backend_processing_ms"`
	TotalProcessingMS   int64 `db:"total_processing_ms" json:"total_processing_ms"`
	RequestTokens       int   `db:"request_tokens" json:"request_tokens"`
	ResponseTokens      int   `db:"response_tokens" json:"response_tokens"`
	ResponseSuccess     bool  `db:"response_success" json:"response_success"`
	ResponseLength      int   `db:"response_length" json:"response_length"`
	ToolCallCount       int   `db:"tool_call_count" json:"tool_call_count"`
	OutboundStatusCode  int   `db:"outbound_status_code" json:"outbound_status_code,omitempty"`
	OutboundSuccess     bool  `db:"outbound_success" json:"outbound_success"`
}

// TraceUpdate is a partial update applied to a trace header. Nil fields are
// left untouched. Used by the trace context at milestone and terminal
// transitions only.
type TraceUpdate struct {
	Status              *TraceStatus
	ProcessingStartedAt *time.Time
	BackendRequestAt    *time.Time
	BackendResponseAt   *time.Time
	OutboundSendAt      *time.Time
	CompletedAt         *time.Time
	BlockedByRule       *bool
	RuleID              *string
	BlockingReason      *string
	ErrorMessage        *string
	ErrorStage          *string
	BackendProcessingMS *int64
	TotalProcessingMS   *int64
	RequestTokens       *int
	ResponseTokens      *int
	ResponseSuccess     *bool
	ResponseLength      *int
	ToolCallCount       *int
	OutboundStatusCode  *int
	OutboundSuccess     *bool
}

// Merge overlays non-nil fields of other onto u.
func (u *TraceUpdate) Merge(other *TraceUpdate) {
	if other == nil {
		return
	}
	if other.Status != nil {
		u.Status = other.Status
	}
	if other.ProcessingStartedAt != nil {
		u.ProcessingStartedAt = other.ProcessingStartedAt
	}
	if other.BackendRequestAt != nil {
		u.BackendRequestAt = other.BackendRequestAt
	}
	if other.BackendResponseAt != nil {
		u.BackendResponseAt = other.BackendResponseAt
	}
	if other.OutboundSendAt != nil {
		u.OutboundSendAt = other.OutboundSendAt
	}
	if other.CompletedAt != nil {
		u.CompletedAt = other.CompletedAt
	}
	if other.BlockedByRule != nil {
		u.BlockedByRule = other.BlockedByRule
	}
	if other.RuleID != nil {
		u.RuleID = other.RuleID
	}
	if other.BlockingReason != nil {
		u.BlockingReason = other.BlockingReason
	}
	if other.ErrorMessage != nil {
		u.ErrorMessage = other.ErrorMessage
	}
	if other.ErrorStage != nil {
		u.ErrorStage = other.ErrorStage
	}
	if other.BackendProcessingMS != nil {
		u.BackendProcessingMS = other.BackendProcessingMS
	}
	if other.TotalProcessingMS != nil {
		u.TotalProcessingMS = other.TotalProcessingMS
	}
	if other.RequestTokens != nil {
		u.RequestTokens = other.RequestTokens
	}
	if other.ResponseTokens != nil {
		u.ResponseTokens = other.ResponseTokens
	}
	if other.ResponseSuccess != nil {
		u.ResponseSuccess = other.ResponseSuccess
	}
	if other.ResponseLength != nil {
		u.ResponseLength = other.ResponseLength
	}
	if other.ToolCallCount != nil {
		u.ToolCallCount = other.ToolCallCount
	}
	if other.OutboundStatusCode != nil {
		u.OutboundStatusCode = other.OutboundStatusCode
	}
	if other.OutboundSuccess != nil {
		u.OutboundSuccess = other.OutboundSuccess
	}
}
