package contracts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// NoopStorageSync discards sync requests. Used when no document store
// is configured.
type NoopStorageSync struct{}

func (NoopStorageSync) SyncRevisionAttachments(_ context.Context, _ SyncRequest) error {
	return nil
}

// HTTPStorageSync posts attachment manifests to a document-storage
// service.
type HTTPStorageSync struct {
	url    string
	client *http.Client
}

// NewHTTPStorageSync creates a sync client for the given endpoint.
func NewHTTPStorageSync(url string) *HTTPStorageSync {
	return &HTTPStorageSync{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *HTTPStorageSync) SyncRevisionAttachments(ctx context.Context, req SyncRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("storage sync returned status %d", resp.StatusCode)
	}
	return nil
}

var (
	_ StorageSync = NoopStorageSync{}
	_ StorageSync = (*HTTPStorageSync)(nil)
)
