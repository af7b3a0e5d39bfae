package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/acrispino/chat-relay/internal/domain"
)

func TestHTTPBackend_Send(t *testing.T) {
	var gotReq BackendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q, want /v1/messages", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content": "reply text", "tool_calls": [{"name": "lookup"}], "usage": {"tokens": 9}}`)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, "relay-1", 5*time.Second)
	resp, err := b.Send(context.Background(), &BackendRequest{Message: "hi", SessionName: "s1"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if gotReq.Model != "relay-1" {
		t.Errorf("request model = %q, want default relay-1", gotReq.Model)
	}
	if gotReq.Stream {
		t.Error("request stream = true, want false")
	}
	if resp.Content != "reply text" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.ToolCallCount != 1 {
		t.Errorf("ToolCallCount = %d, want 1", resp.ToolCallCount)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	// Raw preserves fields the typed response drops.
	if _, ok := resp.Raw["usage"]; !ok {
		t.Error("Raw missing usage field")
	}
}

func TestHTTPBackend_Send_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, "relay-1", 5*time.Second)
	_, err := b.Send(context.Background(), &BackendRequest{Message: "hi"})
	if err == nil {
		t.Fatal("Send() error = nil, want status error")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error = %v, want status code included", err)
	}
}

func TestHTTPBackend_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q, want text/event-stream", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\": \"Hello\"}\n\n")
		fmt.Fprint(w, ": keepalive comment\n\n")
		fmt.Fprint(w, "data: {\"content\": \" world\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var chunks []StreamChunk
	b := NewHTTPBackend(srv.URL, "relay-1", 5*time.Second)
	resp, err := b.Stream(context.Background(), &BackendRequest{Message: "hi"},
		func(_ context.Context, c StreamChunk) { chunks = append(chunks, c) })
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	if resp.Content != "Hello world" {
		t.Errorf("Content = %q, want %q", resp.Content, "Hello world")
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0].Content != "Hello" || chunks[0].Index != 0 {
		t.Errorf("chunk[0] = %+v", chunks[0])
	}
	if chunks[1].Content != " world" || chunks[1].Index != 1 {
		t.Errorf("chunk[1] = %+v", chunks[1])
	}
}

func TestHTTPBackend_Stream_DoneFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\": \"only\"}\n\n")
		fmt.Fprint(w, "data: {\"done\": true}\n\n")
		fmt.Fprint(w, "data: {\"content\": \"after done\"}\n\n")
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, "relay-1", 5*time.Second)
	resp, err := b.Stream(context.Background(), &BackendRequest{Message: "hi"}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if resp.Content != "only" {
		t.Errorf("Content = %q, want reading stopped at done", resp.Content)
	}
}

func TestHTTPSender_Send(t *testing.T) {
	var got outboundMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %q, want /messages", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, 5*time.Second, nil)
	env := &domain.Envelope{
		InstanceName:    "main",
		SenderPhone:     "+15550001234",
		SenderChannelID: "1234@c.us",
		SessionName:     "s1",
	}
	result := s.Send(context.Background(), env, "reply")

	if !result.Success || result.StatusCode != http.StatusCreated {
		t.Errorf("result = %+v, want success 201", result)
	}
	// The channel-native id wins over the phone number as recipient.
	if got.Recipient != "1234@c.us" {
		t.Errorf("recipient = %q, want 1234@c.us", got.Recipient)
	}
	if got.Content != "reply" || got.InstanceName != "main" {
		t.Errorf("message = %+v", got)
	}
}

func TestHTTPSender_Send_FailureIsReportedNotRaised(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, 5*time.Second, nil)
	result := s.Send(context.Background(), &domain.Envelope{SenderPhone: "+15550001234"}, "reply")
	if result.Success {
		t.Error("Success = true, want false")
	}
	if result.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", result.StatusCode)
	}

	// A dead endpoint yields a zero result, not a panic or error.
	dead := NewHTTPSender("http://127.0.0.1:1", time.Second, nil)
	result = dead.Send(context.Background(), &domain.Envelope{SenderPhone: "+15550001234"}, "reply")
	if result.Success || result.StatusCode != 0 {
		t.Errorf("result = %+v, want zero value", result)
	}
}
