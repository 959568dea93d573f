package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HTTPMessagesClient talks to the message-queue service.
type HTTPMessagesClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTPMessagesClient(baseURL string) *HTTPMessagesClient {
	return &HTTPMessagesClient{
		baseURL: normalizeBase(baseURL, "http://localhost:8082"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *HTTPMessagesClient) Clear(ctx context.Context, aci uuid.UUID, deviceID uint8) error {
	url := fmt.Sprintf("%s/v1/queues/%s/%d", c.baseURL, aci, deviceID)
	return doDelete(ctx, c.http, url, "clear message queue")
}

// HTTPPresenceClient talks to the presence service.
type HTTPPresenceClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTPPresenceClient(baseURL string) *HTTPPresenceClient {
	return &HTTPPresenceClient{
		baseURL: normalizeBase(baseURL, "http://localhost:8083"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *HTTPPresenceClient) Disconnect(ctx context.Context, aci uuid.UUID, deviceID uint8) error {
	url := fmt.Sprintf("%s/v1/presence/%s/%d", c.baseURL, aci, deviceID)
	return doDelete(ctx, c.http, url, "disconnect presence")
}

func normalizeBase(baseURL, fallback string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = fallback
	}
	return base
}

func doDelete(ctx context.Context, client *http.Client, url, action string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	// The target device may already be gone on the collaborator's side.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%s failed: %s", action, resp.Status)
	}
	return nil
}
