// Package payload compresses and classifies the JSON-like payloads archived
// at each pipeline stage. The codec is fail-open: a serialization or
// compression problem is recorded as a placeholder or logged and swallowed,
// never surfaced to the business pipeline.
package payload

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// base64MinLen is the minimum length of a string value before it is
// considered a candidate for the embedded-base64 heuristic.
const base64MinLen = 1024

// mediaKeys are payload keys that indicate embedded media content across
// the supported channels.
var mediaKeys = map[string]struct{}{
	"image":         {},
	"video":         {},
	"audio":         {},
	"media":         {},
	"mediaurl":      {},
	"mimetype":      {},
	"thumbnail":     {},
	"jpegthumbnail": {},
	"document":      {},
	"sticker":       {},
	"voice":         {},
	"attachment":    {},
	"base64":        {},
	"data_url":      {},
}

// Flags is the result of the content-classification heuristic.
type Flags struct {
	ContainsMedia  bool
	ContainsBase64 bool
}

// Compress serializes v, gzips it, and encodes the result as base64 text
// suitable for an opaque TEXT column. It never fails the caller: when v
// cannot be serialized, an error placeholder is stored instead.
//
// The returned sizes are the serialized byte length and the compressed byte
// length (before the base64 text encoding), so size_compressed reflects the
// true compression benefit.
func Compress(v any) (compressed string, sizeOriginal, sizeCompressed int) {
	raw, err := json.Marshal(v)
	if err != nil {
		slog.Warn("payload serialization failed, storing placeholder",
			slog.String("error", err.Error()))
		raw, _ = json.Marshal(map[string]string{
			"tracing_error": "payload not serializable",
			"detail":        err.Error(),
		})
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		// gzip to a bytes.Buffer cannot fail in practice; store raw base64
		// so the payload is not lost.
		slog.Warn("payload compression failed, storing uncompressed",
			slog.String("error", err.Error()))
		text := base64.StdEncoding.EncodeToString(raw)
		return text, len(raw), len(raw)
	}
	if err := zw.Close(); err != nil {
		text := base64.StdEncoding.EncodeToString(raw)
		return text, len(raw), len(raw)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), len(raw), buf.Len()
}

// Decompress is the inverse of Compress. It returns nil and logs on any
// corruption; it never raises, and stored rows are never touched on failure.
func Decompress(compressed string) any {
	if compressed == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(compressed)
	if err != nil {
		slog.Warn("payload decode failed", slog.String("error", err.Error()))
		return nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		slog.Warn("payload decompression failed", slog.String("error", err.Error()))
		return nil
	}
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	if err != nil {
		slog.Warn("payload decompression failed", slog.String("error", err.Error()))
		return nil
	}
	var v any
	if err := json.Unmarshal(plain, &v); err != nil {
		slog.Warn("payload deserialization failed", slog.String("error", err.Error()))
		return nil
	}
	return v
}

// Classify scans a payload for media-indicator keys and long base64-looking
// string values. It flags rows for storage-cost analysis without inspecting
// every byte of large values.
func Classify(v any) Flags {
	var f Flags
	classify(v, "", &f)
	return f
}

func classify(v any, key string, f *Flags) {
	if f.ContainsMedia && f.ContainsBase64 {
		return
	}
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if _, ok := mediaKeys[strings.ToLower(k)]; ok {
				f.ContainsMedia = true
			}
			classify(child, k, f)
		}
	case []any:
		for _, child := range val {
			classify(child, key, f)
		}
	case string:
		if looksBase64(val) {
			f.ContainsBase64 = true
		}
	}
}

// looksBase64 reports whether s is long enough and shaped like base64 data.
// Only a bounded prefix is inspected.
func looksBase64(s string) bool {
	if len(s) < base64MinLen {
		return false
	}
	// Data URLs embed base64 after the comma.
	if strings.HasPrefix(s, "data:") && strings.Contains(s[:80], ";base64,") {
		return true
	}
	n := len(s)
	if n > 256 {
		n = 256
	}
	for i := 0; i < n; i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=':
		default:
			return false
		}
	}
	return true
}
