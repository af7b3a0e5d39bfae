package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/acrispino/chat-relay/internal/domain"
)

// HTTPSender delivers responses back to the originating channel through its
// send API. Delivery failures are reported in the result, never raised, so
// the pipeline can record a transport failure independently of the backend
// outcome.
type HTTPSender struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ OutboundSender = (*HTTPSender)(nil)

// NewHTTPSender creates an outbound sender targeting the channel send API.
func NewHTTPSender(url string, timeout time.Duration, logger *slog.Logger) *HTTPSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSender{
		url:        strings.TrimRight(url, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type outboundMessage struct {
	InstanceName string `json:"instance_name"`
	Recipient    string `json:"recipient"`
	SessionName  string `json:"session_name,omitempty"`
	Content      string `json:"content"`
}

func (s *HTTPSender) Send(ctx context.Context, env *domain.Envelope, content string) SendResult {
	recipient := env.SenderChannelID
	if recipient == "" {
		recipient = env.SenderPhone
	}
	body, err := json.Marshal(outboundMessage{
		InstanceName: env.InstanceName,
		Recipient:    recipient,
		SessionName:  env.SessionName,
		Content:      content,
	})
	if err != nil {
		s.logger.Error("failed to marshal outbound message", slog.String("error", err.Error()))
		return SendResult{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/messages", bytes.NewReader(body))
	if err != nil {
		s.logger.Error("failed to create outbound request", slog.String("error", err.Error()))
		return SendResult{}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error("outbound delivery failed",
			slog.String("instance", env.InstanceName),
			slog.String("error", err.Error()))
		return SendResult{}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return SendResult{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
	}
}
