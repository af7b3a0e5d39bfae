// Package sqlite implements storage.TraceStore on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/acrispino/chat-relay/internal/domain"
	"github.com/acrispino/chat-relay/internal/payload"
	"github.com/acrispino/chat-relay/internal/storage"
)

// Store is a SQLite implementation of storage.TraceStore.
type Store struct {
	db *sqlx.DB
}

var _ storage.TraceStore = (*Store)(nil)

// terminalStatuses is the SQL fragment guarding writes against finalized
// traces.
const terminalStatuses = `('blocked', 'completed', 'error')`

// New opens (or creates) the trace database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS message_traces (
			trace_id TEXT PRIMARY KEY,
			instance_name TEXT NOT NULL,
			channel_message_id TEXT,
			sender_phone TEXT,
			sender_name TEXT,
			sender_channel_id TEXT,
			session_name TEXT,
			agent_session_id TEXT,
			message_type TEXT,
			has_media INTEGER NOT NULL DEFAULT 0,
			has_quoted_message INTEGER NOT NULL DEFAULT 0,
			message_length INTEGER NOT NULL DEFAULT 0,
			received_at TIMESTAMP NOT NULL,
			processing_started_at TIMESTAMP,
			backend_request_at TIMESTAMP,
			backend_response_at TIMESTAMP,
			outbound_send_at TIMESTAMP,
			completed_at TIMESTAMP,
			status TEXT NOT NULL,
			blocked_by_rule INTEGER NOT NULL DEFAULT 0,
			rule_id TEXT,
			blocking_reason TEXT,
			error_message TEXT,
			error_stage TEXT,
			backend_processing_ms INTEGER NOT NULL DEFAULT 0,
			total_processing_ms INTEGER NOT NULL DEFAULT 0,
			request_tokens INTEGER NOT NULL DEFAULT 0,
			response_tokens INTEGER NOT NULL DEFAULT 0,
			response_success INTEGER NOT NULL DEFAULT 0,
			response_length INTEGER NOT NULL DEFAULT 0,
			tool_call_count INTEGER NOT NULL DEFAULT 0,
			outbound_status_code INTEGER NOT NULL DEFAULT 0,
			outbound_success INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS trace_payloads (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			payload_kind TEXT NOT NULL,
			compressed_payload TEXT NOT NULL,
			size_original INTEGER NOT NULL,
			size_compressed INTEGER NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			status_code INTEGER,
			error_details TEXT,
			contains_media INTEGER NOT NULL DEFAULT 0,
			contains_base64 INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (trace_id) REFERENCES message_traces(trace_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_instance ON message_traces(instance_name)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_session ON message_traces(session_name)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_agent_session ON message_traces(agent_session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_sender ON message_traces(sender_phone)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_received ON message_traces(received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_status ON message_traces(status)`,
		`CREATE INDEX IF NOT EXISTS idx_payloads_trace ON trace_payloads(trace_id, timestamp)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// traceRow mirrors the message_traces table with nullable columns.
type traceRow struct {
	TraceID             string         `db:"trace_id"`
	InstanceName        string         `db:"instance_name"`
	ChannelMessageID    sql.NullString `db:"channel_message_id"`
	SenderPhone         sql.NullString `db:"sender_phone"`
	SenderName          sql.NullString `db:"sender_name"`
	SenderChannelID     sql.NullString `db:"sender_channel_id"`
	SessionName         sql.NullString `db:"session_name"`
	AgentSessionID      sql.NullString `db:"agent_session_id"`
	MessageType         sql.NullString `db:"message_type"`
	HasMedia            bool           `db:"has_media"`
	HasQuotedMessage    bool           `db:"has_quoted_message"`
	MessageLength       int            `db:"message_length"`
	ReceivedAt          time.Time      `db:"received_at"`
	ProcessingStartedAt sql.NullTime   `db:"processing_started_at"`
	BackendRequestAt    sql.NullTime   `db:"backend_request_at"`
	BackendResponseAt   sql.NullTime   `db:"backend_response_at"`
	OutboundSendAt      sql.NullTime   `db:"outbound_send_at"`
	CompletedAt         sql.NullTime   `db:"completed_at"`
	Status              string         `db:"status"`
	BlockedByRule       bool           `db:"blocked_by_rule"`
	RuleID              sql.NullString `db:"rule_id"`
	BlockingReason      sql.NullString `db:"blocking_reason"`
	ErrorMessage        sql.NullString `db:"error_message"`
	ErrorStage          sql.NullString `db:"error_stage"`
	BackendProcessingMS int64          `db:"backend_processing_ms"`
	TotalProcessingMS   int64          `db:"total_processing_ms"`
	RequestTokens       int            `db:"request_tokens"`
	ResponseTokens      int            `db:"response_tokens"`
	ResponseSuccess     bool           `db:"response_success"`
	ResponseLength      int            `db:"response_length"`
	ToolCallCount       int            `db:"tool_call_count"`
	OutboundStatusCode  int            `db:"outbound_status_code"`
	OutboundSuccess     bool           `db:"outbound_success"`
}

func (r *traceRow) toDomain() *domain.Trace {
	t := &domain.Trace{
		TraceID:             r.TraceID,
		InstanceName:        r.InstanceName,
		ChannelMessageID:    r.ChannelMessageID.String,
		SenderPhone:         r.SenderPhone.String,
		SenderName:          r.SenderName.String,
		SenderChannelID:     r.SenderChannelID.String,
		SessionName:         r.SessionName.String,
		AgentSessionID:      r.AgentSessionID.String,
		MessageType:         r.MessageType.String,
		HasMedia:            r.HasMedia,
		HasQuotedMessage:    r.HasQuotedMessage,
		MessageLength:       r.MessageLength,
		ReceivedAt:          r.ReceivedAt,
		Status:              domain.TraceStatus(r.Status),
		BlockedByRule:       r.BlockedByRule,
		RuleID:              r.RuleID.String,
		BlockingReason:      r.BlockingReason.String,
		ErrorMessage:        r.ErrorMessage.String,
		ErrorStage:          r.ErrorStage.String,
		BackendProcessingMS: r.BackendProcessingMS,
		TotalProcessingMS:   r.TotalProcessingMS,
		RequestTokens:       r.RequestTokens,
		ResponseTokens:      r.ResponseTokens,
		ResponseSuccess:     r.ResponseSuccess,
		ResponseLength:      r.ResponseLength,
		ToolCallCount:       r.ToolCallCount,
		OutboundStatusCode:  r.OutboundStatusCode,
		OutboundSuccess:     r.OutboundSuccess,
	}
	if r.ProcessingStartedAt.Valid {
		v := r.ProcessingStartedAt.Time
		t.ProcessingStartedAt = &v
	}
	if r.BackendRequestAt.Valid {
		v := r.BackendRequestAt.Time
		t.BackendRequestAt = &v
	}
	if r.BackendResponseAt.Valid {
		v := r.BackendResponseAt.Time
		t.BackendResponseAt = &v
	}
	if r.OutboundSendAt.Valid {
		v := r.OutboundSendAt.Time
		t.OutboundSendAt = &v
	}
	if r.CompletedAt.Valid {
		v := r.CompletedAt.Time
		t.CompletedAt = &v
	}
	return t
}

const traceColumns = `trace_id, instance_name, channel_message_id, sender_phone, sender_name,
	sender_channel_id, session_name, agent_session_id, message_type, has_media,
	has_quoted_message, message_length, received_at, processing_started_at,
	backend_request_at, backend_response_at, outbound_send_at, completed_at, status,
	blocked_by_rule, rule_id, blocking_reason, error_message, error_stage,
	backend_processing_ms, total_processing_ms, request_tokens, response_tokens,
	response_success, response_length, tool_call_count, outbound_status_code, outbound_success`

func (s *Store) CreateTrace(ctx context.Context, t *domain.Trace) error {
	if t.TraceID == "" {
		return fmt.Errorf("trace_id is required")
	}
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = domain.StatusReceived
	}

	query := `INSERT INTO message_traces (` + traceColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, NULL, ?,
	                  ?, ?, ?, ?, ?, 0, 0, 0, 0, 0, 0, 0, 0, 0)`

	_, err := s.db.ExecContext(ctx, query,
		t.TraceID, t.InstanceName, nullable(t.ChannelMessageID), nullable(t.SenderPhone),
		nullable(t.SenderName), nullable(t.SenderChannelID), nullable(t.SessionName),
		nullable(t.AgentSessionID), nullable(t.MessageType), t.HasMedia, t.HasQuotedMessage,
		t.MessageLength, t.ReceivedAt, string(t.Status),
		t.BlockedByRule, nullable(t.RuleID), nullable(t.BlockingReason),
		nullable(t.ErrorMessage), nullable(t.ErrorStage))
	if err != nil {
		return fmt.Errorf("failed to create trace: %w", err)
	}
	return nil
}

func (s *Store) UpdateTrace(ctx context.Context, traceID string, upd domain.TraceUpdate) error {
	sets, args := buildUpdate(upd)
	if len(sets) == 0 {
		return nil
	}

	query := `UPDATE message_traces SET ` + strings.Join(sets, ", ") + ` WHERE trace_id = ?`
	args = append(args, traceID)

	// Status changes must not overwrite a terminal value.
	if upd.Status != nil {
		query += ` AND status NOT IN ` + terminalStatuses
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update trace: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var status string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM message_traces WHERE trace_id = ?`, traceID).Scan(&status)
		if err == sql.ErrNoRows {
			return domain.ErrTraceNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check trace status: %w", err)
		}
		if domain.TraceStatus(status).IsTerminal() {
			return domain.ErrTraceFinalized
		}
	}
	return nil
}

func buildUpdate(upd domain.TraceUpdate) ([]string, []any) {
	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if upd.Status != nil {
		set("status", string(*upd.Status))
	}
	if upd.ProcessingStartedAt != nil {
		set("processing_started_at", *upd.ProcessingStartedAt)
	}
	if upd.BackendRequestAt != nil {
		set("backend_request_at", *upd.BackendRequestAt)
	}
	if upd.BackendResponseAt != nil {
		set("backend_response_at", *upd.BackendResponseAt)
	}
	if upd.OutboundSendAt != nil {
		set("outbound_send_at", *upd.OutboundSendAt)
	}
	if upd.CompletedAt != nil {
		set("completed_at", *upd.CompletedAt)
	}
	if upd.BlockedByRule != nil {
		set("blocked_by_rule", *upd.BlockedByRule)
	}
	if upd.RuleID != nil {
		set("rule_id", *upd.RuleID)
	}
	if upd.BlockingReason != nil {
		set("blocking_reason", *upd.BlockingReason)
	}
	if upd.ErrorMessage != nil {
		set("error_message", *upd.ErrorMessage)
	}
	if upd.ErrorStage != nil {
		set("error_stage", *upd.ErrorStage)
	}
	if upd.BackendProcessingMS != nil {
		set("backend_processing_ms", *upd.BackendProcessingMS)
	}
	if upd.TotalProcessingMS != nil {
		set("total_processing_ms", *upd.TotalProcessingMS)
	}
	if upd.RequestTokens != nil {
		set("request_tokens", *upd.RequestTokens)
	}
	if upd.ResponseTokens != nil {
		set("response_tokens", *upd.ResponseTokens)
	}
	if upd.ResponseSuccess != nil {
		set("response_success", *upd.ResponseSuccess)
	}
	if upd.ResponseLength != nil {
		set("response_length", *upd.ResponseLength)
	}
	if upd.ToolCallCount != nil {
		set("tool_call_count", *upd.ToolCallCount)
	}
	if upd.OutboundStatusCode != nil {
		set("outbound_status_code", *upd.OutboundStatusCode)
	}
	if upd.OutboundSuccess != nil {
		set("outbound_success", *upd.OutboundSuccess)
	}
	return sets, args
}

func (s *Store) AppendPayload(ctx context.Context, traceID string, stage domain.PayloadStage, pl any, meta domain.PayloadMeta) error {
	compressed, sizeOriginal, sizeCompressed := payload.Compress(pl)
	flags := payload.Classify(pl)

	kind := meta.Kind
	if kind == "" {
		kind = domain.KindRequest
	}

	// The WHERE EXISTS guard makes the append a no-op once the parent trace
	// is terminal, keeping the payload timeline append-only and consistent
	// with the header lifecycle.
	query := `INSERT INTO trace_payloads (id, trace_id, stage, payload_kind, compressed_payload,
	            size_original, size_compressed, timestamp, status_code, error_details,
	            contains_media, contains_base64)
	          SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
	          WHERE EXISTS (
	            SELECT 1 FROM message_traces
	            WHERE trace_id = ? AND status NOT IN ` + terminalStatuses + `
	          )`

	var statusCode any
	if meta.StatusCode != nil {
		statusCode = *meta.StatusCode
	}

	res, err := s.db.ExecContext(ctx, query,
		"pl_"+uuid.NewString(), traceID, string(stage), string(kind), compressed,
		sizeOriginal, sizeCompressed, time.Now().UTC(), statusCode,
		nullable(meta.ErrorDetails), flags.ContainsMedia, flags.ContainsBase64,
		traceID)
	if err != nil {
		return fmt.Errorf("failed to append payload: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrTraceFinalized
	}
	return nil
}

func (s *Store) GetTrace(ctx context.Context, traceID string) (*domain.Trace, error) {
	var row traceRow
	query := `SELECT ` + traceColumns + ` FROM message_traces WHERE trace_id = ?`
	err := s.db.GetContext(ctx, &row, query, traceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTraceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trace: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetPayloads(ctx context.Context, traceID string) ([]*domain.PayloadRecord, error) {
	query := `SELECT id, trace_id, stage, payload_kind, compressed_payload, size_original,
	            size_compressed, timestamp, status_code, error_details, contains_media, contains_base64
	          FROM trace_payloads WHERE trace_id = ?
	          ORDER BY timestamp ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payloads: %w", err)
	}
	defer rows.Close()

	var records []*domain.PayloadRecord
	for rows.Next() {
		var rec domain.PayloadRecord
		var statusCode sql.NullInt64
		var errorDetails sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TraceID, &rec.Stage, &rec.Kind, &rec.Compressed,
			&rec.SizeOriginal, &rec.SizeCompressed, &rec.Timestamp, &statusCode,
			&errorDetails, &rec.ContainsMedia, &rec.ContainsBase64); err != nil {
			return nil, fmt.Errorf("failed to scan payload: %w", err)
		}
		if statusCode.Valid {
			v := int(statusCode.Int64)
			rec.StatusCode = &v
		}
		rec.ErrorDetails = errorDetails.String
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// buildWhere renders a TraceFilter into a WHERE clause shared by
// QueryTraces and Summarize, so list and summary always agree.
func buildWhere(f domain.TraceFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if f.InstanceName != "" {
		add("instance_name = ?", f.InstanceName)
	}
	if f.SessionName != "" {
		add("session_name = ?", f.SessionName)
	}
	if f.AgentSessionID != "" {
		add("agent_session_id = ?", f.AgentSessionID)
	}
	if f.Sender != "" {
		conds = append(conds, "(sender_phone = ? OR sender_channel_id = ?)")
		args = append(args, f.Sender, f.Sender)
	}
	if f.HasMedia != nil {
		add("has_media = ?", *f.HasMedia)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.Start != nil {
		add("received_at >= ?", *f.Start)
	}
	if f.End != nil {
		add("received_at <= ?", *f.End)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) QueryTraces(ctx context.Context, f domain.TraceFilter, p domain.Page) ([]*domain.Trace, int, error) {
	where, args := buildWhere(f)

	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM message_traces`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count traces: %w", err)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + traceColumns + ` FROM message_traces` + where +
		` ORDER BY received_at DESC LIMIT ? OFFSET ?`
	listArgs := append(append([]any{}, args...), limit, p.Offset)

	var rows []traceRow
	if err := s.db.SelectContext(ctx, &rows, query, listArgs...); err != nil {
		return nil, 0, fmt.Errorf("failed to query traces: %w", err)
	}

	traces := make([]*domain.Trace, 0, len(rows))
	for i := range rows {
		traces = append(traces, rows[i].toDomain())
	}
	return traces, total, nil
}

func (s *Store) Summarize(ctx context.Context, f domain.TraceFilter) (*domain.TraceSummary, error) {
	where, args := buildWhere(f)

	query := `SELECT
	            COUNT(*) AS total,
	            SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) AS completed,
	            SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END) AS errors,
	            SUM(CASE WHEN status = 'blocked' THEN 1 ELSE 0 END) AS blocked,
	            SUM(CASE WHEN status = 'completed' AND response_success = 1 THEN 1 ELSE 0 END) AS successes,
	            AVG(CASE WHEN total_processing_ms > 0 THEN total_processing_ms END) AS avg_total,
	            MIN(CASE WHEN total_processing_ms > 0 THEN total_processing_ms END) AS min_total,
	            MAX(total_processing_ms) AS max_total,
	            AVG(CASE WHEN backend_processing_ms > 0 THEN backend_processing_ms END) AS avg_backend
	          FROM message_traces` + where

	var (
		total, completed, errCount, blocked, successes sql.NullInt64
		avgTotal, avgBackend                           sql.NullFloat64
		minTotal, maxTotal                             sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&total, &completed, &errCount, &blocked, &successes,
		&avgTotal, &minTotal, &maxTotal, &avgBackend)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize traces: %w", err)
	}

	sum := &domain.TraceSummary{
		TotalMessages: int(total.Int64),
		Completed:     int(completed.Int64),
		Errors:        int(errCount.Int64),
		Blocked:       int(blocked.Int64),
		AvgTotalMS:    avgTotal.Float64,
		MinTotalMS:    minTotal.Int64,
		MaxTotalMS:    maxTotal.Int64,
		AvgBackendMS:  avgBackend.Float64,
	}
	if sum.TotalMessages > 0 {
		sum.SuccessRate = float64(successes.Int64) / float64(sum.TotalMessages)
	}
	return sum, nil
}

func (s *Store) FinalizeStale(ctx context.Context, cutoff time.Time) (int, error) {
	// Two-step sweep: select the stale rows, then finalize each one
	// computing total_processing_ms from its own received_at. Volumes are
	// small (crash leftovers only), so per-row updates are fine.
	type staleRow struct {
		TraceID    string    `db:"trace_id"`
		ReceivedAt time.Time `db:"received_at"`
	}
	var stale []staleRow
	err := s.db.SelectContext(ctx, &stale,
		`SELECT trace_id, received_at FROM message_traces
		 WHERE status IN ('received', 'processing') AND received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to select stale traces: %w", err)
	}

	now := time.Now().UTC()
	reconciled := 0
	for _, row := range stale {
		res, err := s.db.ExecContext(ctx,
			`UPDATE message_traces
			 SET status = 'error', error_stage = 'sweeper',
			     error_message = 'trace exceeded processing deadline',
			     completed_at = ?, total_processing_ms = ?
			 WHERE trace_id = ? AND status NOT IN `+terminalStatuses,
			now, now.Sub(row.ReceivedAt).Milliseconds(), row.TraceID)
		if err != nil {
			return reconciled, fmt.Errorf("failed to finalize stale trace: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			reconciled++
		}
	}
	return reconciled, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// nullable maps empty strings to NULL so correlation columns stay sparse.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
