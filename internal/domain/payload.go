package domain

import "time"

// PayloadStage identifies the pipeline checkpoint at which a payload was
// captured. Grouped by TraceID the stages form an append-only timeline.
type PayloadStage string

const (
	StageWebhookReceived PayloadStage = "webhook_received"
	StageBackendRequest  PayloadStage = "backend_request"
	StageBackendResponse PayloadStage = "backend_response"
	StageOutboundSend    PayloadStage = "outbound_send"
	StageStreamStart     PayloadStage = "stream_start"
	StageStreamChunk     PayloadStage = "stream_chunk"
	StageStreamComplete  PayloadStage = "stream_complete"
	StageError           PayloadStage = "error"
)

// PayloadKind classifies the direction/nature of an archived payload.
type PayloadKind string

const (
	KindRequest     PayloadKind = "request"
	KindResponse    PayloadKind = "response"
	KindStreamEvent PayloadKind = "stream_event"
	KindError       PayloadKind = "error"
)

// PayloadRecord is one compressed archival of the raw data observed at a
// stage. Rows are append-only: never mutated or individually deleted, only
// removed by cascade when the parent trace is deleted.
type PayloadRecord struct {
	ID             string       `db:"id" json:"id"`
	TraceID        string       `db:"trace_id" json:"trace_id"`
	Stage          PayloadStage `db:"stage" json:"stage"`
	Kind           PayloadKind  `db:"payload_kind" json:"payload_kind"`
	Compressed     string       `db:"compressed_payload" json:"-"`
	SizeOriginal   int          `db:"size_original" json:"size_original"`
	SizeCompressed int          `db:"size_compressed" json:"size_compressed"`
	Timestamp      time.Time    `db:"timestamp" json:"timestamp"`
	StatusCode     *int         `db:"status_code" json:"status_code,omitempty"`
	ErrorDetails   string       `db:"error_details" json:"error_details,omitempty"`
	ContainsMedia  bool         `db:"contains_media" json:"contains_media"`
	ContainsBase64 bool         `db:"contains_base64" json:"contains_base64"`
}

// PayloadMeta carries optional per-payload metadata supplied by the caller
// of AppendPayload.
type PayloadMeta struct {
	Kind         PayloadKind
	StatusCode   *int
	ErrorDetails string
}
