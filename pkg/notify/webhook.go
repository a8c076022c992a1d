package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"walletgate/pkg/httpx"
)

// WebhookOpener drives an external approval UI over HTTP. Open posts a
// surface event to <base>/surfaces and Close deletes it; the UI is
// expected to render the pending queue while a surface is up.
type WebhookOpener struct {
	client     *http.Client
	baseURL    string
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	newHandle  func() string
}

func NewWebhookOpener(client *http.Client, baseURL string) *WebhookOpener {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookOpener{
		client:     client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    5 * time.Second,
		retries:    2,
		retryDelay: 200 * time.Millisecond,
		newHandle:  uuid.NewString,
	}
}

func (w *WebhookOpener) Open(mode Mode) (string, error) {
	handle := w.newHandle()
	body, err := json.Marshal(map[string]string{"handle": handle, "mode": mode.String()})
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	status, respBody, err := httpx.RequestJSON(ctx, w.client, http.MethodPost, w.baseURL+"/surfaces", body, w.retries, w.retryDelay)
	if err != nil {
		return "", fmt.Errorf("open approval surface: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", fmt.Errorf("open approval surface: status %d: %s", status, respBody)
	}
	return handle, nil
}

func (w *WebhookOpener) Close(handle string) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	status, respBody, err := httpx.RequestJSON(ctx, w.client, http.MethodDelete, w.baseURL+"/surfaces/"+handle, nil, w.retries, w.retryDelay)
	if err != nil {
		return fmt.Errorf("close approval surface %s: %w", handle, err)
	}
	if status != http.StatusOK && status != http.StatusNoContent && status != http.StatusNotFound {
		return fmt.Errorf("close approval surface %s: status %d: %s", handle, status, respBody)
	}
	return nil
}
