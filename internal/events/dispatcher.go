package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Sink receives published event records. Implementations must tolerate
// at-least-once delivery.
type Sink interface {
	Deliver(ctx context.Context, rec *Record) error
}

// HTTPSink posts events to a single collaborator endpoint, signing the
// body with HMAC-SHA256 so the receiver can verify origin.
type HTTPSink struct {
	url    string
	secret string
	client *http.Client
}

// NewHTTPSink creates an HTTP sink for the given endpoint.
func NewHTTPSink(url, secret string) *HTTPSink {
	return &HTTPSink{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *HTTPSink) Deliver(ctx context.Context, rec *Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dealcore-Event", string(rec.Type))
	req.Header.Set("X-Dealcore-Timestamp", fmt.Sprintf("%d", rec.CreatedAt.Unix()))
	if s.secret != "" {
		req.Header.Set("X-Dealcore-Signature", Sign(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("event sink returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a received signature against the payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// MemorySink collects delivered events, used in tests.
type MemorySink struct {
	mu      sync.Mutex
	records []*Record
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Deliver(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns a snapshot of everything delivered so far.
func (m *MemorySink) Records() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, len(m.records))
	copy(out, m.records)
	return out
}

// ByType filters delivered records by event type.
func (m *MemorySink) ByType(t Type) []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.records {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}
