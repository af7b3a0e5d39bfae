package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/acrispino/chat-relay/internal/domain"
	"github.com/acrispino/chat-relay/internal/relay"
	"github.com/acrispino/chat-relay/internal/storage/sqlite"
)

type acceptAll struct{}

func (acceptAll) Evaluate(context.Context, *domain.Envelope) relay.AccessDecision {
	return relay.AccessDecision{Allowed: true}
}

type echoBackend struct{}

func (echoBackend) Send(_ context.Context, req *relay.BackendRequest) (*relay.BackendResponse, error) {
	return &relay.BackendResponse{Content: "echo: " + req.Message, StatusCode: 200}, nil
}

func (echoBackend) Stream(context.Context, *relay.BackendRequest, relay.ChunkHandler) (*relay.BackendResponse, error) {
	return &relay.BackendResponse{StatusCode: 200}, nil
}

type panicBackend struct{}

func (panicBackend) Send(context.Context, *relay.BackendRequest) (*relay.BackendResponse, error) {
	panic("backend exploded")
}

func (panicBackend) Stream(context.Context, *relay.BackendRequest, relay.ChunkHandler) (*relay.BackendResponse, error) {
	panic("backend exploded")
}

type dropSender struct{}

func (dropSender) Send(context.Context, *domain.Envelope, string) relay.SendResult {
	return relay.SendResult{Success: true, StatusCode: 200}
}

func newTestHandler(t *testing.T, name string) (*sqlite.Store, *httptest.Server) {
	t.Helper()
	return newTestHandlerWith(t, name, echoBackend{})
}

func newTestHandlerWith(t *testing.T, name string, backend relay.BackendClient) (*sqlite.Store, *httptest.Server) {
	t.Helper()
	store, err := sqlite.New(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("sqlite.New() error = %v", err)
	}

	pipeline := relay.NewPipeline(relay.Options{
		Store:   store,
		Access:  acceptAll{},
		Backend: backend,
		Sender:  dropSender{},
	})

	r := chi.NewRouter()
	NewHandler(pipeline, nil, time.Second).Routes(r)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		store.Close()
	})
	return store, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return resp
}

func TestHandleInbound_Accepted(t *testing.T) {
	store, srv := newTestHandler(t, "webhook_ok")

	resp := postJSON(t, srv.URL+"/webhook/main", map[string]any{
		"sender_phone": "+15550008888",
		"message_type": "text",
		"text":         "hello",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "accepted" {
		t.Errorf("status = %q, want accepted", body["status"])
	}

	// The pipeline runs detached; poll for the resulting trace.
	deadline := time.Now().Add(2 * time.Second)
	for {
		traces, total, err := store.QueryTraces(context.Background(),
			domain.TraceFilter{InstanceName: "main"}, domain.Page{Limit: 10})
		if err != nil {
			t.Fatalf("QueryTraces() error = %v", err)
		}
		if total == 1 && traces[0].Status.IsTerminal() {
			if traces[0].Status != domain.StatusCompleted {
				t.Errorf("Status = %q, want completed", traces[0].Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("trace never completed: total = %d", total)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleInbound_InstanceFromURL(t *testing.T) {
	store, srv := newTestHandler(t, "webhook_instance")

	resp := postJSON(t, srv.URL+"/webhook/support-line", map[string]any{
		"sender_phone": "+15550008888",
		"message_type": "text",
		"text":         "hi",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, total, err := store.QueryTraces(context.Background(),
			domain.TraceFilter{InstanceName: "support-line"}, domain.Page{Limit: 1})
		if err != nil {
			t.Fatalf("QueryTraces() error = %v", err)
		}
		if total == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no trace recorded under the URL instance name")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleInbound_PanicDoesNotKillServer(t *testing.T) {
	store, srv := newTestHandlerWith(t, "webhook_panic", panicBackend{})

	resp := postJSON(t, srv.URL+"/webhook/main", map[string]any{
		"sender_phone": "+15550008888",
		"message_type": "text",
		"text":         "boom",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	// The deferred release finalizes the trace during unwinding; the
	// goroutine's recover keeps the process alive.
	deadline := time.Now().Add(2 * time.Second)
	for {
		traces, total, err := store.QueryTraces(context.Background(),
			domain.TraceFilter{InstanceName: "main"}, domain.Page{Limit: 10})
		if err != nil {
			t.Fatalf("QueryTraces() error = %v", err)
		}
		if total == 1 && traces[0].Status.IsTerminal() {
			if traces[0].Status != domain.StatusError {
				t.Errorf("Status = %q, want error", traces[0].Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("trace never finalized after panic: total = %d", total)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The server still answers.
	resp = postJSON(t, srv.URL+"/webhook/main", map[string]any{
		"sender_phone": "+15550008888",
		"message_type": "text",
		"text":         "still here",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("follow-up status = %d, want 202", resp.StatusCode)
	}
}

func TestHandleInbound_InvalidEnvelope(t *testing.T) {
	_, srv := newTestHandler(t, "webhook_invalid")

	tests := []struct {
		name string
		body any
	}{
		{"missing sender", map[string]any{"message_type": "text", "text": "x"}},
		{"missing message type", map[string]any{"sender_phone": "+15550008888", "text": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/webhook/main", tt.body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestHandleInbound_MalformedJSON(t *testing.T) {
	_, srv := newTestHandler(t, "webhook_malformed")

	resp, err := http.Post(srv.URL+"/webhook/main", "application/json",
		bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
