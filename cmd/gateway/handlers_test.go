package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"walletgate/pkg/arbiter"
	"walletgate/pkg/metrics"
	"walletgate/pkg/notify"
	"walletgate/pkg/signer"
	"walletgate/pkg/store"
)

type testGateway struct {
	*httptest.Server
	engine  *arbiter.Engine
	keyring *signer.Keyring
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	engine, err := arbiter.New(arbiter.Config{
		KV:           store.NewMemoryKV(),
		Notifier:     notify.NewChannel(nil, notify.ModeNone),
		AuthInterval: time.Millisecond,
		SignInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := engine.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	keyring := signer.NewKeyring()
	if _, err := keyring.Generate("5A"); err != nil {
		t.Fatalf("keyring: %v", err)
	}
	s := &Server{
		Engine:         engine,
		Metrics:        metrics.NewRegistry(),
		Keyring:        keyring,
		RequestTimeout: 5 * time.Second,
		MaxBodyBytes:   1 << 20,
	}
	server := httptest.NewServer(s.Router(""))
	t.Cleanup(server.Close)
	return &testGateway{Server: server, engine: engine, keyring: keyring}
}

func (g *testGateway) post(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := g.Client().Post(g.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	payload, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, payload
}

func (g *testGateway) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := g.Client().Get(g.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	payload, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, payload
}

func waitForCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type postResult struct {
	status int
	body   []byte
}

func (g *testGateway) postAsync(t *testing.T, path string, body any) chan postResult {
	t.Helper()
	ch := make(chan postResult, 1)
	go func() {
		raw, _ := json.Marshal(body)
		resp, err := g.Client().Post(g.URL+path, "application/json", bytes.NewReader(raw))
		if err != nil {
			ch <- postResult{status: -1}
			return
		}
		payload, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		ch <- postResult{status: resp.StatusCode, body: payload}
	}()
	return ch
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	resp, body := g.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var v map[string]string
	if err := json.Unmarshal(body, &v); err != nil || v["service"] != "walletgate" {
		t.Fatalf("body = %s", body)
	}
}

func TestAuthorizeGrantOverHTTP(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	result := g.postAsync(t, "/v1/authorize", authorizeRequest{URL: "https://dapp.example/app", Origin: "Dapp"})
	waitForCond(t, "pending auth", func() bool { return g.engine.NumAuthRequests() == 1 })

	views := g.engine.AllAuthRequests()
	resp, _ := g.post(t, fmt.Sprintf("/v1/requests/auth/%s/approve", views[0].ID), map[string][]string{"accounts": {"5A"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d", resp.StatusCode)
	}

	res := <-result
	if res.status != http.StatusOK {
		t.Fatalf("authorize status = %d body %s", res.status, res.body)
	}
	var auth arbiter.AuthResponse
	if err := json.Unmarshal(res.body, &auth); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !auth.Result || len(auth.AuthorizedAccounts) != 1 || auth.AuthorizedAccounts[0] != "5A" {
		t.Fatalf("unexpected response %+v", auth)
	}

	resp, body := g.get(t, "/v1/authorizations")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var ledger map[string]arbiter.AuthRecord
	if err := json.Unmarshal(body, &ledger); err != nil {
		t.Fatalf("unmarshal ledger: %v", err)
	}
	if _, ok := ledger["https://dapp.example"]; !ok {
		t.Fatalf("ledger missing origin: %s", body)
	}
}

func TestAuthorizeInvalidURL(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	resp, _ := g.post(t, "/v1/authorize", authorizeRequest{URL: "ftp://nope.example", Origin: "X"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestDuplicatePendingConflict(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	first := g.postAsync(t, "/v1/authorize", authorizeRequest{URL: "https://dapp.example", Origin: "Dapp"})
	waitForCond(t, "pending auth", func() bool { return g.engine.NumAuthRequests() == 1 })
	time.Sleep(3 * time.Millisecond)

	resp, _ := g.post(t, "/v1/authorize", authorizeRequest{URL: "https://dapp.example/other", Origin: "Dapp"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d", resp.StatusCode)
	}

	views := g.engine.AllAuthRequests()
	req, err := http.NewRequest(http.MethodDelete, g.URL+"/v1/requests/auth/"+views[0].ID, nil)
	if err != nil {
		t.Fatalf("delete request: %v", err)
	}
	del, err := g.Client().Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	_ = del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", del.StatusCode)
	}
	res := <-first
	if res.status != http.StatusGone {
		t.Fatalf("deleted request must report 410, got %d", res.status)
	}
}

func TestEnsureAuthorized(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	resp, _ := g.post(t, "/v1/authorize/ensure", map[string]string{"url": "https://dapp.example"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unseen origin status = %d", resp.StatusCode)
	}

	result := g.postAsync(t, "/v1/authorize", authorizeRequest{URL: "https://dapp.example", Origin: "Dapp"})
	waitForCond(t, "pending auth", func() bool { return g.engine.NumAuthRequests() == 1 })
	views := g.engine.AllAuthRequests()
	g.post(t, fmt.Sprintf("/v1/requests/auth/%s/approve", views[0].ID), map[string][]string{"accounts": {"5A"}})
	<-result

	resp, body := g.post(t, "/v1/authorize/ensure", map[string]string{"url": "https://dapp.example"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("granted origin status = %d body %s", resp.StatusCode, body)
	}
}

func TestSignWithKeyring(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	payload := json.RawMessage(`{"method":"transfer","args":["5B",100]}`)
	result := g.postAsync(t, "/v1/sign", signRequest{URL: "https://dapp.example", Account: "5A", Payload: payload})
	waitForCond(t, "pending sign", func() bool { return g.engine.NumSignRequests() == 1 })

	views := g.engine.AllSignRequests()
	resp, body := g.post(t, fmt.Sprintf("/v1/requests/sign/%s/approve", views[0].ID), approveSignRequest{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d body %s", resp.StatusCode, body)
	}

	res := <-result
	if res.status != http.StatusOK {
		t.Fatalf("sign status = %d body %s", res.status, res.body)
	}
	var sig arbiter.SignResult
	if err := json.Unmarshal(res.body, &sig); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sig.Signature == "" || sig.ID != views[0].ID {
		t.Fatalf("unexpected result %+v", sig)
	}

	bound, err := signer.SigningPayload(views[0].ID, views[0].URL, payload)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if err := g.keyring.Verify("5A", bound, signer.Signature{Alg: "ed25519", Sig: sig.Signature}); err != nil {
		t.Fatalf("signature must verify: %v", err)
	}
}

func TestSignUnknownAccountUnprocessable(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	result := g.postAsync(t, "/v1/sign", signRequest{URL: "https://dapp.example", Account: "5Z", Payload: json.RawMessage(`{}`)})
	waitForCond(t, "pending sign", func() bool { return g.engine.NumSignRequests() == 1 })

	views := g.engine.AllSignRequests()
	resp, _ := g.post(t, fmt.Sprintf("/v1/requests/sign/%s/approve", views[0].ID), approveSignRequest{})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("approve without key status = %d", resp.StatusCode)
	}

	// An externally produced signature still works.
	resp, _ = g.post(t, fmt.Sprintf("/v1/requests/sign/%s/approve", views[0].ID), approveSignRequest{Signature: "0xexternal"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("external signature status = %d", resp.StatusCode)
	}
	res := <-result
	if res.status != http.StatusOK {
		t.Fatalf("sign status = %d", res.status)
	}
}

func TestRejectSignForbidden(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	result := g.postAsync(t, "/v1/sign", signRequest{URL: "https://dapp.example", Account: "5A", Payload: json.RawMessage(`{}`)})
	waitForCond(t, "pending sign", func() bool { return g.engine.NumSignRequests() == 1 })

	views := g.engine.AllSignRequests()
	resp, _ := g.post(t, fmt.Sprintf("/v1/requests/sign/%s/reject", views[0].ID), map[string]string{"reason": "user declined"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject status = %d", resp.StatusCode)
	}
	res := <-result
	if res.status != http.StatusForbidden {
		t.Fatalf("rejected sign must report 403, got %d", res.status)
	}

	resp, body := g.get(t, "/v1/security-log")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("security log status = %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("sign_rejected")) {
		t.Fatalf("security log missing rejection: %s", body)
	}
}

func TestMetadataFlowOverHTTP(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	def := arbiter.MetadataDef{Chain: "Westend", GenesisHash: "0xe1", TokenSymbol: "WND"}
	result := g.postAsync(t, "/v1/metadata/inject", injectMetadataRequest{URL: "https://dapp.example", Definition: def})
	waitForCond(t, "pending meta", func() bool { return g.engine.NumMetaRequests() == 1 })

	views := g.engine.AllMetaRequests()
	resp, _ := g.post(t, fmt.Sprintf("/v1/requests/meta/%s/approve", views[0].ID), struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d", resp.StatusCode)
	}
	res := <-result
	if res.status != http.StatusOK {
		t.Fatalf("inject status = %d", res.status)
	}

	resp, body := g.get(t, "/v1/metadata")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metadata status = %d", resp.StatusCode)
	}
	var defs []arbiter.MetadataDef
	if err := json.Unmarshal(body, &defs); err != nil || len(defs) != 1 || defs[0].GenesisHash != "0xe1" {
		t.Fatalf("metadata = %s (%v)", body, err)
	}
}

func TestDefaultsAndTabs(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	patch, err := http.NewRequest(http.MethodPatch, g.URL+"/v1/defaults", bytes.NewReader([]byte(`{"accounts":["5A","5B"]}`)))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	patch.Header.Set("Content-Type", "application/json")
	patchResp, err := g.Client().Do(patch)
	if err != nil {
		t.Fatalf("patch defaults: %v", err)
	}
	_ = patchResp.Body.Close()
	if patchResp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d", patchResp.StatusCode)
	}
	getResp, raw := g.get(t, "/v1/defaults")
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get defaults status = %d", getResp.StatusCode)
	}
	var defaults map[string][]string
	if err := json.Unmarshal(raw, &defaults); err != nil || len(defaults["accounts"]) != 2 {
		t.Fatalf("defaults = %s", raw)
	}

	tabsResp, tabsBody := g.post(t, "/v1/tabs", map[string][]string{"urls": {"https://unknown.example"}})
	if tabsResp.StatusCode != http.StatusOK {
		t.Fatalf("tabs status = %d", tabsResp.StatusCode)
	}
	var tabs map[string][]string
	if err := json.Unmarshal(tabsBody, &tabs); err != nil || len(tabs["connected"]) != 0 {
		t.Fatalf("tabs = %s", tabsBody)
	}
}

func TestUnknownRequestNotFound(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t)
	resp, _ := g.post(t, "/v1/requests/auth/missing/approve", map[string][]string{"accounts": {}})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStatusForErr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{arbiter.ErrDuplicatePending, http.StatusConflict},
		{arbiter.ErrAccessDenied, http.StatusForbidden},
		{arbiter.ErrUnknownRequest, http.StatusNotFound},
		{arbiter.ErrCancelled, http.StatusGone},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForErr(tt.err); got != tt.want {
			t.Fatalf("statusForErr(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestSplitAccounts(t *testing.T) {
	t.Parallel()
	got := splitAccounts(" 5A, ,5B ")
	if len(got) != 2 || got[0] != "5A" || got[1] != "5B" {
		t.Fatalf("splitAccounts = %v", got)
	}
	if splitAccounts("") != nil {
		t.Fatal("empty input must yield nil")
	}
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	t.Parallel()
	if _, _, err := openStore(context.Background(), "etcd"); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
