// Package relay runs the message pipeline: one inbound envelope in, an
// access decision, a backend exchange (single-shot or streamed), and an
// outbound delivery, with every stage correlated through a trace context.
package relay

import (
	"context"

	"github.com/acrispino/chat-relay/internal/domain"
)

// AccessDecision is the outcome of evaluating access rules for a sender.
type AccessDecision struct {
	Allowed bool
	RuleID  string
	Reason  string
}

// AccessEvaluator decides whether an inbound message may proceed.
type AccessEvaluator interface {
	Evaluate(ctx context.Context, env *domain.Envelope) AccessDecision
}

// BackendRequest is the normalized request sent to the conversational
// backend.
type BackendRequest struct {
	Model       string `json:"model,omitempty"`
	SessionName string `json:"session_name,omitempty"`
	Sender      string `json:"sender,omitempty"`
	Message     string `json:"message"`
	Stream      bool   `json:"stream,omitempty"`
}

// BackendResponse is the backend's reply, either a single payload or the
// reassembled result of a stream.
type BackendResponse struct {
	Content       string         `json:"content"`
	StatusCode    int            `json:"status_code"`
	ToolCallCount int            `json:"tool_call_count"`
	Raw           map[string]any `json:"raw,omitempty"`
}

// StreamChunk is one incremental content fragment delivered by the backend
// during a streamed response.
type StreamChunk struct {
	Content string
	Index   int
	Meta    map[string]any
}

// ChunkHandler observes stream chunks on the delivery path, so chunk
// timestamps reflect true delivery cadence.
type ChunkHandler func(ctx context.Context, chunk StreamChunk)

// BackendClient talks to the conversational backend.
type BackendClient interface {
	// Send performs a single-shot exchange.
	Send(ctx context.Context, req *BackendRequest) (*BackendResponse, error)

	// Stream performs a streamed exchange, invoking onChunk for every
	// content increment in delivery order, and returns the reassembled
	// response.
	Stream(ctx context.Context, req *BackendRequest, onChunk ChunkHandler) (*BackendResponse, error)
}

// SendResult is the outcome of an outbound delivery attempt.
type SendResult struct {
	Success    bool
	StatusCode int
}

// OutboundSender delivers a response back to the originating channel.
type OutboundSender interface {
	Send(ctx context.Context, env *domain.Envelope, content string) SendResult
}
