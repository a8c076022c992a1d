package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestWebhookOpenerLifecycle(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	surfaces := map[string]bool{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/surfaces":
			surfaces["seen"] = true
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/surfaces/"):
			delete(surfaces, "seen")
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	opener := NewWebhookOpener(server.Client(), server.URL)
	handle, err := opener.Open(ModePopUp)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if handle == "" {
		t.Fatal("handle must be non-empty")
	}
	mu.Lock()
	if !surfaces["seen"] {
		mu.Unlock()
		t.Fatal("open must reach the webhook")
	}
	mu.Unlock()

	if err := opener.Close(handle); err != nil {
		t.Fatalf("close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if surfaces["seen"] {
		t.Fatal("close must reach the webhook")
	}
}

func TestWebhookOpenerServerError(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	opener := NewWebhookOpener(server.Client(), server.URL)
	opener.retries = 0
	if _, err := opener.Open(ModePopUp); err == nil {
		t.Fatal("expected error on 5xx")
	}
}

func TestWebhookCloseToleratesMissing(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	opener := NewWebhookOpener(server.Client(), server.URL)
	if err := opener.Close("gone"); err != nil {
		t.Fatalf("close of unknown surface must not error: %v", err)
	}
}
