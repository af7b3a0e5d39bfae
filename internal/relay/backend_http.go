package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPBackend is a BackendClient over a JSON HTTP API. Single-shot
// exchanges POST and read one JSON document; streamed exchanges read
// server-sent events terminated by [DONE].
type HTTPBackend struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

var _ BackendClient = (*HTTPBackend)(nil)

// NewHTTPBackend creates a backend client. A zero timeout means no client
// timeout; streamed responses rely on the request context for cancellation.
func NewHTTPBackend(baseURL, model string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// wireResponse is the backend's single-shot reply shape.
type wireResponse struct {
	Content   string           `json:"content"`
	ToolCalls []map[string]any `json:"tool_calls,omitempty"`
}

// wireChunk is one SSE event in a streamed reply.
type wireChunk struct {
	Content string `json:"content"`
	Done    bool   `json:"done,omitempty"`
}

func (b *HTTPBackend) Send(ctx context.Context, req *BackendRequest) (*BackendResponse, error) {
	if req.Model == "" {
		req.Model = b.model
	}
	req.Stream = false

	resp, err := b.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read backend response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend error (status %d): %s", resp.StatusCode, string(body))
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode backend response: %w", err)
	}

	var raw map[string]any
	_ = json.Unmarshal(body, &raw)

	return &BackendResponse{
		Content:       wire.Content,
		StatusCode:    resp.StatusCode,
		ToolCallCount: len(wire.ToolCalls),
		Raw:           raw,
	}, nil
}

func (b *HTTPBackend) Stream(ctx context.Context, req *BackendRequest, onChunk ChunkHandler) (*BackendResponse, error) {
	if req.Model == "" {
		req.Model = b.model
	}
	req.Stream = true

	resp, err := b.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("backend error (status %d): %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	// Chunks can carry large content fragments.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var content strings.Builder
	index := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("failed to decode stream chunk: %w", err)
		}
		if chunk.Done {
			break
		}
		if chunk.Content == "" {
			continue
		}

		content.WriteString(chunk.Content)
		if onChunk != nil {
			onChunk(ctx, StreamChunk{Content: chunk.Content, Index: index})
		}
		index++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read error: %w", err)
	}

	return &BackendResponse{
		Content:    content.String(),
		StatusCode: resp.StatusCode,
	}, nil
}

func (b *HTTPBackend) post(ctx context.Context, req *BackendRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backend request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create backend request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	return resp, nil
}
