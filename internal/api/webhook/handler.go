// Package webhook ingests channel webhooks and hands normalized envelopes
// to the relay pipeline.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/acrispino/chat-relay/internal/domain"
	"github.com/acrispino/chat-relay/internal/relay"
)

// maxBodySize bounds inbound webhook payloads.
const maxBodySize = 4 << 20

// Handler accepts channel-neutral webhook envelopes. Channel-specific
// payload parsing happens upstream; this endpoint receives the normalized
// form.
type Handler struct {
	pipeline *relay.Pipeline
	logger   *slog.Logger
	// timeout bounds the detached pipeline run for one message.
	timeout time.Duration
}

// NewHandler creates the webhook ingestion handler.
func NewHandler(pipeline *relay.Pipeline, logger *slog.Logger, timeout time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Handler{pipeline: pipeline, logger: logger, timeout: timeout}
}

// Routes mounts the ingestion endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhook/{instance_name}", h.handleInbound)
}

func (h *Handler) handleInbound(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)

	var env domain.Envelope
	dec := json.NewDecoder(body)
	if err := dec.Decode(&env); err != nil {
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}
	if env.InstanceName == "" {
		env.InstanceName = chi.URLParam(r, "instance_name")
	}
	if err := env.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Relay work is detached from the webhook response so the channel is
	// acknowledged immediately; the trace records everything that follows.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		// A panicking stage has already finalized its trace by the time it
		// unwinds to here; recovering keeps it from taking the process down,
		// since the router's Recoverer only covers the handler goroutine.
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("relay pipeline panicked",
					slog.String("instance", env.InstanceName),
					slog.Any("panic", rec))
			}
		}()
		if _, err := h.pipeline.Handle(ctx, &env); err != nil {
			h.logger.Error("relay pipeline failed",
				slog.String("instance", env.InstanceName),
				slog.String("error", err.Error()))
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}
