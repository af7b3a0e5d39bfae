package traces

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/acrispino/chat-relay/internal/analytics"
	"github.com/acrispino/chat-relay/internal/domain"
	"github.com/acrispino/chat-relay/internal/storage/sqlite"
)

func newTestServer(t *testing.T, name string) (*sqlite.Store, *httptest.Server) {
	t.Helper()
	store, err := sqlite.New(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("sqlite.New() error = %v", err)
	}

	r := chi.NewRouter()
	NewServer(store, analytics.New(store)).Routes(r)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		store.Close()
	})
	return store, srv
}

func seedTrace(t *testing.T, store *sqlite.Store, id string, status domain.TraceStatus) {
	t.Helper()
	ctx := context.Background()
	err := store.CreateTrace(ctx, &domain.Trace{
		TraceID:      id,
		InstanceName: "main",
		SenderPhone:  "+15550004444",
		MessageType:  "text",
		ReceivedAt:   time.Now().UTC(),
		Status:       domain.StatusReceived,
	})
	if err != nil {
		t.Fatalf("CreateTrace() error = %v", err)
	}
	if status != domain.StatusReceived {
		st := status
		if err := store.UpdateTrace(ctx, id, domain.TraceUpdate{Status: &st}); err != nil {
			t.Fatalf("UpdateTrace() error = %v", err)
		}
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHandleList(t *testing.T) {
	store, srv := newTestServer(t, "api_list")
	seedTrace(t, store, "trc_api_1", domain.StatusCompleted)
	seedTrace(t, store, "trc_api_2", domain.StatusError)

	var body struct {
		Traces     []map[string]any `json:"traces"`
		TotalCount int              `json:"total_count"`
		Limit      int              `json:"limit"`
	}
	code := getJSON(t, srv.URL+"/traces?instance_name=main", &body)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body.TotalCount != 2 || len(body.Traces) != 2 {
		t.Errorf("total = %d, traces = %d, want 2 each", body.TotalCount, len(body.Traces))
	}
	if body.Limit != 50 {
		t.Errorf("limit = %d, want default 50", body.Limit)
	}
}

func TestHandleList_StatusFilter(t *testing.T) {
	store, srv := newTestServer(t, "api_list_status")
	seedTrace(t, store, "trc_f_1", domain.StatusCompleted)
	seedTrace(t, store, "trc_f_2", domain.StatusError)

	var body struct {
		Traces     []map[string]any `json:"traces"`
		TotalCount int              `json:"total_count"`
	}
	code := getJSON(t, srv.URL+"/traces?status=error", &body)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body.TotalCount != 1 {
		t.Errorf("total = %d, want 1", body.TotalCount)
	}
	if len(body.Traces) == 1 && body.Traces[0]["trace_id"] != "trc_f_2" {
		t.Errorf("trace_id = %v, want trc_f_2", body.Traces[0]["trace_id"])
	}
}

func TestHandleList_EmptyResultIsArray(t *testing.T) {
	_, srv := newTestServer(t, "api_list_empty")

	resp, err := http.Get(srv.URL + "/traces")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if string(body["traces"]) == "null" {
		t.Error(`traces = null, want []`)
	}
}

func TestHandleList_BareEndDateIsInclusive(t *testing.T) {
	store, srv := newTestServer(t, "api_list_enddate")

	err := store.CreateTrace(context.Background(), &domain.Trace{
		TraceID:      "trc_midday",
		InstanceName: "main",
		SenderPhone:  "+15550004444",
		MessageType:  "text",
		ReceivedAt:   time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC),
		Status:       domain.StatusReceived,
	})
	if err != nil {
		t.Fatalf("CreateTrace() error = %v", err)
	}

	var body struct {
		TotalCount int `json:"total_count"`
	}
	// A bare end date covers that whole day, not just its first instant.
	code := getJSON(t, srv.URL+"/traces?start_date=2026-03-10&end_date=2026-03-10", &body)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body.TotalCount != 1 {
		t.Errorf("total = %d, want 1 (mid-day trace inside bare-date range)", body.TotalCount)
	}

	code = getJSON(t, srv.URL+"/traces?start_date=2026-03-11&end_date=2026-03-11", &body)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body.TotalCount != 0 {
		t.Errorf("total = %d, want 0 for the following day", body.TotalCount)
	}
}

func TestHandleList_BadParams(t *testing.T) {
	_, srv := newTestServer(t, "api_list_bad")

	for _, query := range []string{
		"?has_media=banana",
		"?all_time=banana",
		"?start_date=yesterday",
		"?limit=lots",
	} {
		if code := getJSON(t, srv.URL+"/traces"+query, nil); code != http.StatusBadRequest {
			t.Errorf("GET /traces%s status = %d, want 400", query, code)
		}
	}
}

func TestHandleDetail(t *testing.T) {
	store, srv := newTestServer(t, "api_detail")
	seedTrace(t, store, "trc_d_1", domain.StatusCompleted)

	var body map[string]any
	code := getJSON(t, srv.URL+"/traces/trc_d_1", &body)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["trace_id"] != "trc_d_1" {
		t.Errorf("trace_id = %v, want trc_d_1", body["trace_id"])
	}
	if body["status"] != "completed" {
		t.Errorf("status = %v, want completed", body["status"])
	}
}

func TestHandleDetail_NotFound(t *testing.T) {
	_, srv := newTestServer(t, "api_detail_404")

	if code := getJSON(t, srv.URL+"/traces/trc_missing", nil); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestHandlePayloads_DecompressedOnRead(t *testing.T) {
	store, srv := newTestServer(t, "api_payloads")
	seedTrace(t, store, "trc_p_1", domain.StatusReceived)

	original := map[string]any{"message": "hello", "count": float64(3)}
	err := store.AppendPayload(context.Background(), "trc_p_1",
		domain.StageWebhookReceived, original, domain.PayloadMeta{Kind: domain.KindRequest})
	if err != nil {
		t.Fatalf("AppendPayload() error = %v", err)
	}

	var body struct {
		TraceID  string `json:"trace_id"`
		Payloads []struct {
			Stage        string         `json:"stage"`
			SizeOriginal int            `json:"size_original"`
			Payload      map[string]any `json:"payload"`
		} `json:"payloads"`
	}
	code := getJSON(t, srv.URL+"/traces/trc_p_1/payloads", &body)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body.TraceID != "trc_p_1" || len(body.Payloads) != 1 {
		t.Fatalf("trace_id = %q, payloads = %d", body.TraceID, len(body.Payloads))
	}
	got := body.Payloads[0]
	if got.Stage != "webhook_received" {
		t.Errorf("stage = %q, want webhook_received", got.Stage)
	}
	if got.SizeOriginal <= 0 {
		t.Errorf("size_original = %d, want > 0", got.SizeOriginal)
	}
	if got.Payload["message"] != "hello" || got.Payload["count"] != float64(3) {
		t.Errorf("payload = %v, want round-tripped original", got.Payload)
	}
}

func TestHandlePayloads_NotFound(t *testing.T) {
	_, srv := newTestServer(t, "api_payloads_404")

	if code := getJSON(t, srv.URL+"/traces/trc_missing/payloads", nil); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestHandleSummary(t *testing.T) {
	store, srv := newTestServer(t, "api_summary")
	seedTrace(t, store, "trc_s_1", domain.StatusCompleted)
	seedTrace(t, store, "trc_s_2", domain.StatusBlocked)

	var body map[string]any
	code := getJSON(t, srv.URL+"/traces/analytics/summary?all_time=true", &body)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["total_messages"] != float64(2) {
		t.Errorf("total_messages = %v, want 2", body["total_messages"])
	}
	if body["blocked"] != float64(1) {
		t.Errorf("blocked = %v, want 1", body["blocked"])
	}
}
