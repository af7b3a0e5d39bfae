package tracing

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/acrispino/chat-relay/internal/domain"
)

func TestSweeper_FinalizesStaleOnStartup(t *testing.T) {
	store := newTestStore(t, "sweeper_startup")
	ctx := context.Background()

	err := store.CreateTrace(ctx, &domain.Trace{
		TraceID:      "trc_stale_sweep",
		InstanceName: "main",
		SenderPhone:  "+15550009999",
		MessageType:  "text",
		ReceivedAt:   time.Now().UTC().Add(-time.Hour),
		Status:       domain.StatusProcessing,
	})
	if err != nil {
		t.Fatalf("CreateTrace() error = %v", err)
	}

	// A long interval means only the startup sweep runs before cancel.
	sw := NewSweeper(store, slog.Default(), time.Hour, time.Minute)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		sw.Run(runCtx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		tr, err := store.GetTrace(ctx, "trc_stale_sweep")
		if err != nil {
			t.Fatalf("GetTrace() error = %v", err)
		}
		if tr.Status == domain.StatusError {
			if tr.ErrorStage != "sweeper" {
				t.Errorf("ErrorStage = %q, want sweeper", tr.ErrorStage)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stale trace not finalized, status = %q", tr.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
