package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"walletgate/pkg/arbiter"
	"walletgate/pkg/httpx"
	"walletgate/pkg/metrics"
	"walletgate/pkg/origin"
	"walletgate/pkg/ratelimit"
	"walletgate/pkg/signer"
	"walletgate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// Server exposes the arbitration engine over HTTP. Site-facing routes
// (/v1/authorize, /v1/metadata/inject, /v1/sign) suspend until the
// decision arrives; the remaining routes form the approval-surface API.
type Server struct {
	Engine           *arbiter.Engine
	Metrics          *metrics.Registry
	Keyring          *signer.Keyring
	RequestTimeout   time.Duration
	MaxBodyBytes     int64
	WSOriginPatterns []string
}

func (s *Server) Router(corsOrigins string) http.Handler {
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = 1 << 20
	}
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(corsOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("walletgate"))
	r.Use(httpx.MaxBodyMiddleware(s.MaxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "walletgate"})
	})
	r.Get("/metrics", s.Metrics.Handler())

	r.Post("/v1/authorize", s.handleAuthorize)
	r.Post("/v1/authorize/ensure", s.handleEnsureAuthorized)
	r.Post("/v1/metadata/inject", s.handleInjectMetadata)
	r.Post("/v1/sign", s.handleSign)

	r.Get("/v1/requests/auth", s.handleListAuthRequests)
	r.Post("/v1/requests/auth/{id}/approve", s.handleApproveAuth)
	r.Post("/v1/requests/auth/{id}/reject", s.handleRejectAuth)
	r.Delete("/v1/requests/auth/{id}", s.handleDeleteAuthRequest)
	r.Get("/v1/requests/meta", s.handleListMetaRequests)
	r.Post("/v1/requests/meta/{id}/approve", s.handleApproveMeta)
	r.Post("/v1/requests/meta/{id}/reject", s.handleRejectMeta)
	r.Get("/v1/requests/sign", s.handleListSignRequests)
	r.Post("/v1/requests/sign/{id}/approve", s.handleApproveSign)
	r.Post("/v1/requests/sign/{id}/reject", s.handleRejectSign)

	r.Get("/v1/authorizations", s.handleListAuthorizations)
	r.Patch("/v1/authorizations", s.handleUpdateAuthorizedAccounts)
	r.Delete("/v1/authorizations", s.handleRemoveAuthorization)

	r.Get("/v1/defaults", s.handleGetDefaults)
	r.Patch("/v1/defaults", s.handleUpdateDefaults)
	r.Get("/v1/metadata", s.handleKnownMetadata)
	r.Get("/v1/security-log", s.handleSecurityLog)
	r.Get("/v1/tabs", s.handleGetTabs)
	r.Post("/v1/tabs", s.handleUpdateTabs)
	r.Post("/v1/notification", s.handleSetNotification)
	r.Get("/v1/stream", s.handleStream)
	return r
}

func statusForErr(err error) int {
	switch {
	case errors.Is(err, origin.ErrInvalidOrigin), errors.Is(err, origin.ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, arbiter.ErrDuplicatePending):
		return http.StatusConflict
	case errors.Is(err, arbiter.ErrAccessDenied), errors.Is(err, arbiter.ErrRejected):
		return http.StatusForbidden
	case errors.Is(err, arbiter.ErrUnknownOrigin), errors.Is(err, arbiter.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, arbiter.ErrCancelled):
		return http.StatusGone
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	httpx.Error(w, statusForErr(err), err.Error())
}

func (s *Server) suspendCtx(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := s.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return context.WithTimeout(r.Context(), timeout)
}

type authorizeRequest struct {
	URL    string `json:"url"`
	Origin string `json:"origin"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx, cancel := s.suspendCtx(r)
	defer cancel()
	resp, err := s.Engine.AuthorizeURL(ctx, req.URL, arbiter.AuthPayload{Origin: req.Origin})
	if err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEnsureAuthorized(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	ok, err := s.Engine.EnsureURLAuthorized(req.URL)
	if err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"authorized": ok})
}

type injectMetadataRequest struct {
	URL        string              `json:"url"`
	Definition arbiter.MetadataDef `json:"definition"`
}

func (s *Server) handleInjectMetadata(w http.ResponseWriter, r *http.Request) {
	var req injectMetadataRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx, cancel := s.suspendCtx(r)
	defer cancel()
	approved, err := s.Engine.InjectMetadata(ctx, req.URL, req.Definition)
	if err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"approved": approved})
}

type signRequest struct {
	URL     string          `json:"url"`
	Account string          `json:"account"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx, cancel := s.suspendCtx(r)
	defer cancel()
	result, err := s.Engine.Sign(ctx, req.URL, req.Payload, req.Account)
	if err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleListAuthRequests(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Engine.AllAuthRequests())
}

func (s *Server) handleListMetaRequests(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Engine.AllMetaRequests())
}

func (s *Server) handleListSignRequests(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Engine.AllSignRequests())
}

func (s *Server) handleApproveAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Accounts []string `json:"accounts"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.Engine.ResolveAuth(r.Context(), chi.URLParam(r, "id"), req.Accounts); err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func (s *Server) handleRejectAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.Engine.RejectAuth(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func (s *Server) handleDeleteAuthRequest(w http.ResponseWriter, r *http.Request) {
	s.Engine.DeleteAuthRequest(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApproveMeta(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.ResolveMeta(r.Context(), chi.URLParam(r, "id"), true); err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func (s *Server) handleRejectMeta(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.Engine.RejectMeta(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

type approveSignRequest struct {
	Signature string `json:"signature,omitempty"`
}

// handleApproveSign fulfils a signing request. With an explicit signature
// the caller signed externally; otherwise the local keyring must hold the
// account's key and signs the bound payload itself.
func (s *Server) handleApproveSign(w http.ResponseWriter, r *http.Request) {
	var req approveSignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	id := chi.URLParam(r, "id")
	result := arbiter.SignResult{ID: id, Signature: req.Signature}
	if req.Signature == "" {
		view, ok := s.Engine.GetSignRequest(id)
		if !ok {
			s.fail(w, arbiter.ErrUnknownRequest)
			return
		}
		if s.Keyring == nil || !s.Keyring.Has(view.Account) {
			httpx.Error(w, http.StatusUnprocessableEntity, "no key for account and no signature provided")
			return
		}
		payload, err := signer.SigningPayload(id, view.URL, view.Request)
		if err != nil {
			s.fail(w, err)
			return
		}
		sig, err := s.Keyring.Sign(r.Context(), view.Account, payload)
		if err != nil {
			s.fail(w, err)
			return
		}
		result.Signature = sig.Sig
	}
	if err := s.Engine.ResolveSign(r.Context(), id, result); err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleRejectSign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.Engine.RejectSign(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func (s *Server) handleListAuthorizations(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Engine.AuthURLs())
}

func (s *Server) handleUpdateAuthorizedAccounts(w http.ResponseWriter, r *http.Request) {
	var diffs []arbiter.AccountsDiff
	if err := httpx.DecodeJSON(r, &diffs); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.Engine.UpdateAuthorizedAccounts(r.Context(), diffs); err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.Engine.AuthURLs())
}

func (s *Server) handleRemoveAuthorization(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	remaining, err := s.Engine.RemoveAuthorization(r.Context(), req.URL)
	if err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, remaining)
}

func (s *Server) handleGetDefaults(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string][]string{"accounts": s.Engine.DefaultAuthAccounts()})
}

func (s *Server) handleUpdateDefaults(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Accounts []string `json:"accounts"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.Engine.UpdateDefaultAuthAccounts(r.Context(), req.Accounts); err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string][]string{"accounts": s.Engine.DefaultAuthAccounts()})
}

func (s *Server) handleKnownMetadata(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Engine.KnownMetadata())
}

func (s *Server) handleSecurityLog(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Engine.SecurityLog(r.Context()))
}

func (s *Server) handleGetTabs(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string][]string{"connected": s.Engine.ConnectedTabsURL()})
}

func (s *Server) handleUpdateTabs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URLs []string `json:"urls"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.Engine.UpdateCurrentTabsURL(req.URLs)
	httpx.WriteJSON(w, http.StatusOK, map[string][]string{"connected": s.Engine.ConnectedTabsURL()})
}

func (s *Server) handleSetNotification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.Engine.SetNotification(req.Mode)
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"updated": true})
}
