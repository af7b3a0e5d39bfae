// Package traces exposes the operator-facing analytics HTTP surface over
// stored traces.
package traces

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/acrispino/chat-relay/internal/analytics"
	"github.com/acrispino/chat-relay/internal/domain"
	"github.com/acrispino/chat-relay/internal/payload"
	"github.com/acrispino/chat-relay/internal/storage"
)

// Server serves trace listing, detail, payload, and summary endpoints.
type Server struct {
	store     storage.TraceStore
	analytics *analytics.Service
}

// NewServer creates the traces API server.
func NewServer(store storage.TraceStore, svc *analytics.Service) *Server {
	return &Server{store: store, analytics: svc}
}

// Routes mounts the API on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/traces", s.handleList)
	r.Get("/traces/analytics/summary", s.handleSummary)
	r.Get("/traces/{trace_id}", s.handleDetail)
	r.Get("/traces/{trace_id}/payloads", s.handlePayloads)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.analytics.List(r.Context(), q)
	if err != nil {
		http.Error(w, "failed to query traces", http.StatusInternalServerError)
		return
	}
	if result.Traces == nil {
		result.Traces = []*domain.Trace{}
	}
	writeJSON(w, result)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sum, err := s.analytics.Summary(r.Context(), q)
	if err != nil {
		http.Error(w, "failed to summarize traces", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sum)
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "trace_id")
	t, err := s.store.GetTrace(r.Context(), traceID)
	if errors.Is(err, domain.ErrTraceNotFound) {
		http.Error(w, "trace not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to get trace", http.StatusInternalServerError)
		return
	}
	writeJSON(w, t)
}

// payloadView is an archived payload with its content decompressed on read.
// The stored row stays opaque; only this view interprets it.
type payloadView struct {
	ID             string              `json:"id"`
	Stage          domain.PayloadStage `json:"stage"`
	Kind           domain.PayloadKind  `json:"payload_kind"`
	SizeOriginal   int                 `json:"size_original"`
	SizeCompressed int                 `json:"size_compressed"`
	Timestamp      time.Time           `json:"timestamp"`
	StatusCode     *int                `json:"status_code,omitempty"`
	ErrorDetails   string              `json:"error_details,omitempty"`
	ContainsMedia  bool                `json:"contains_media"`
	ContainsBase64 bool                `json:"contains_base64"`
	Payload        any                 `json:"payload"`
}

func (s *Server) handlePayloads(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "trace_id")

	if _, err := s.store.GetTrace(r.Context(), traceID); err != nil {
		if errors.Is(err, domain.ErrTraceNotFound) {
			http.Error(w, "trace not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to get trace", http.StatusInternalServerError)
		return
	}

	records, err := s.store.GetPayloads(r.Context(), traceID)
	if err != nil {
		http.Error(w, "failed to get payloads", http.StatusInternalServerError)
		return
	}

	views := make([]payloadView, 0, len(records))
	for _, rec := range records {
		views = append(views, payloadView{
			ID:             rec.ID,
			Stage:          rec.Stage,
			Kind:           rec.Kind,
			SizeOriginal:   rec.SizeOriginal,
			SizeCompressed: rec.SizeCompressed,
			Timestamp:      rec.Timestamp,
			StatusCode:     rec.StatusCode,
			ErrorDetails:   rec.ErrorDetails,
			ContainsMedia:  rec.ContainsMedia,
			ContainsBase64: rec.ContainsBase64,
			Payload:        payload.Decompress(rec.Compressed),
		})
	}
	writeJSON(w, map[string]any{
		"trace_id": traceID,
		"payloads": views,
	})
}

// parseQuery reads the shared filter parameters. sender_phone and sender_id
// are equivalent spellings for the sender identifier.
func parseQuery(r *http.Request) (analytics.Query, error) {
	values := r.URL.Query()
	q := analytics.Query{
		InstanceName:   values.Get("instance_name"),
		SessionName:    values.Get("session_name"),
		AgentSessionID: values.Get("agent_session_id"),
		Status:         values.Get("status"),
	}

	q.Sender = values.Get("sender_phone")
	if q.Sender == "" {
		q.Sender = values.Get("sender_id")
	}

	if v := values.Get("has_media"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return q, errors.New("invalid has_media parameter")
		}
		q.HasMedia = &b
	}
	if v := values.Get("all_time"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return q, errors.New("invalid all_time parameter")
		}
		q.AllTime = b
	}
	var err error
	if q.StartDate, err = parseDate(values.Get("start_date"), false); err != nil {
		return q, errors.New("invalid start_date parameter")
	}
	if q.EndDate, err = parseDate(values.Get("end_date"), true); err != nil {
		return q, errors.New("invalid end_date parameter")
	}
	if v := values.Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil {
			return q, errors.New("invalid limit parameter")
		}
	}
	if v := values.Get("offset"); v != "" {
		if q.Offset, err = strconv.Atoi(v); err != nil {
			return q, errors.New("invalid offset parameter")
		}
	}
	return q, nil
}

// parseDate accepts RFC3339 timestamps or bare dates. A bare end date
// extends to the last instant of that day, so end_date=2026-03-10 includes
// the whole of March 10 rather than cutting off at midnight.
func parseDate(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
