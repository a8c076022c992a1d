package arbiter

import (
	"context"
	"fmt"
	"strings"

	"walletgate/pkg/audit"
	"walletgate/pkg/origin"
	"walletgate/pkg/ratelimit"
	"walletgate/pkg/stream"
)

// AuthorizeURL arbitrates a site's request to connect. The call suspends
// until the user decides, the request is deleted, or ctx ends. A ctx
// cancellation abandons the wait only; the pending entry stays resolvable
// by id until the approval surface acts on it.
func (e *Engine) AuthorizeURL(ctx context.Context, rawURL string, payload AuthPayload) (AuthResponse, error) {
	key, err := origin.Normalize(rawURL)
	if err != nil {
		return AuthResponse{}, err
	}
	if err := e.authLimiter.Allow(key); err != nil {
		e.audited(ctx, audit.EventRateLimitHit, key, "Authorization request rate limited")
		return AuthResponse{}, fmt.Errorf("too many authorization requests from %s: %w", rawURL, ratelimit.ErrRateLimited)
	}

	e.mu.Lock()
	// The pending-origin set is the race guard: it must be consulted and
	// updated before any suspension point, or two near-simultaneous
	// requests could both pass the ledger check.
	if _, pending := e.pendingAuthOrigins[key]; pending {
		e.mu.Unlock()
		e.countOutcome("duplicate_pending")
		return AuthResponse{}, fmt.Errorf("%w: %s", ErrDuplicatePending, rawURL)
	}
	for _, r := range e.authRequests {
		if r.originKey == key {
			e.mu.Unlock()
			e.countOutcome("duplicate_pending")
			return AuthResponse{}, fmt.Errorf("%w: %s", ErrDuplicatePending, rawURL)
		}
	}
	if record, seen := e.authURLs[key]; seen {
		e.mu.Unlock()
		if len(record.AuthorizedAccounts) > 0 || record.IsAllowed {
			// Decision already exists; no new prompt. The empty account
			// list is the observed contract, not the granted set.
			return AuthResponse{AuthorizedAccounts: []string{}, Result: false}, nil
		}
		e.countOutcome("access_denied")
		return AuthResponse{}, fmt.Errorf("%w: %s", ErrAccessDenied, rawURL)
	}

	e.seq++
	request := &authRequest{
		seq:       e.seq,
		id:        e.newID(),
		originKey: key,
		url:       rawURL,
		payload:   payload,
		done:      make(chan authOutcome, 1),
	}
	e.pendingAuthOrigins[key] = struct{}{}
	e.authRequests[request.id] = request
	e.mu.Unlock()

	e.publishAuth()
	e.notifier.Open()

	select {
	case outcome := <-request.done:
		return outcome.resp, outcome.err
	case <-ctx.Done():
		return AuthResponse{}, ctx.Err()
	}
}

// ResolveAuth completes a pending authorization with the accounts the
// user granted. The ledger write is persisted before anything is
// published or the waiting caller is released; a storage failure leaves
// the request pending and is returned to the resolver.
func (e *Engine) ResolveAuth(ctx context.Context, id string, accounts []string) error {
	if accounts == nil {
		accounts = []string{}
	}
	e.mu.Lock()
	request, ok := e.authRequests[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	record := AuthRecord{
		AuthorizedAccounts: accounts,
		Count:              0,
		ID:                 request.originKey,
		Origin:             request.payload.Origin,
		URL:                request.url,
	}
	e.authURLs[request.originKey] = record
	e.defaultAuthAccounts = append([]string(nil), accounts...)
	subject := e.originSubjectLocked(request.originKey)
	e.mu.Unlock()

	if err := e.saveAuthList(ctx); err != nil {
		return err
	}
	if err := e.saveDefaultAuthAccounts(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.authRequests, id)
	delete(e.pendingAuthOrigins, request.originKey)
	e.mu.Unlock()

	subject.Publish(record)
	e.publishAuth()
	e.audited(ctx, audit.EventAuthGranted, request.url, fmt.Sprintf("Accounts: %d", len(accounts)))
	request.done <- authOutcome{resp: AuthResponse{AuthorizedAccounts: accounts, Result: true}}
	return nil
}

// RejectAuth completes a pending authorization negatively. The reason
// "cancelled" removes the request without a ledger write so the origin
// stays never-seen; any other reason persists an explicit denial (empty
// account list) that short-circuits future attempts.
func (e *Engine) RejectAuth(ctx context.Context, id, reason string) error {
	if strings.EqualFold(strings.TrimSpace(reason), CancelledReason) {
		return e.cancelAuth(ctx, id)
	}
	e.mu.Lock()
	request, ok := e.authRequests[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	record := AuthRecord{
		AuthorizedAccounts: []string{},
		Count:              0,
		ID:                 request.originKey,
		Origin:             request.payload.Origin,
		URL:                request.url,
	}
	e.authURLs[request.originKey] = record
	e.defaultAuthAccounts = []string{}
	subject := e.originSubjectLocked(request.originKey)
	e.mu.Unlock()

	if err := e.saveAuthList(ctx); err != nil {
		return err
	}
	if err := e.saveDefaultAuthAccounts(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.authRequests, id)
	delete(e.pendingAuthOrigins, request.originKey)
	e.mu.Unlock()

	subject.Publish(record)
	e.publishAuth()
	e.audited(ctx, audit.EventAuthDenied, request.url, reason)
	request.done <- authOutcome{err: fmt.Errorf("%w: connection request was rejected by the user", ErrRejected)}
	return nil
}

func (e *Engine) cancelAuth(ctx context.Context, id string) error {
	e.mu.Lock()
	request, ok := e.authRequests[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	delete(e.authRequests, id)
	delete(e.pendingAuthOrigins, request.originKey)
	e.mu.Unlock()

	e.publishAuth()
	e.audited(ctx, audit.EventAuthCancelled, request.url, "")
	request.done <- authOutcome{err: ErrCancelled}
	return nil
}

// DeleteAuthRequest drops a pending authorization without any decision,
// e.g. when the approval surface is closed. No ledger record is written
// and the waiting caller is released with a cancellation.
func (e *Engine) DeleteAuthRequest(id string) {
	e.mu.Lock()
	request, ok := e.authRequests[id]
	if ok {
		delete(e.authRequests, id)
		delete(e.pendingAuthOrigins, request.originKey)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.publishAuth()
	request.done <- authOutcome{err: ErrCancelled}
}

// GetAuthRequest returns the pending authorization view for id.
func (e *Engine) GetAuthRequest(id string) (AuthRequestView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	request, ok := e.authRequests[id]
	if !ok {
		return AuthRequestView{}, false
	}
	return AuthRequestView{ID: request.id, URL: request.url, Request: request.payload}, true
}

// EnsureURLAuthorized checks the ledger without ever prompting. Any
// record, including an explicit denial, counts as "seen"; an absent
// record is an access failure.
func (e *Engine) EnsureURLAuthorized(rawURL string) (bool, error) {
	key, err := origin.Normalize(rawURL)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	_, ok := e.authURLs[key]
	e.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s has not been enabled yet", ErrAccessDenied, rawURL)
	}
	return true, nil
}

// RemoveAuthorization forgets an origin entirely. Subscribers of that
// origin observe a record with an emptied account list.
func (e *Engine) RemoveAuthorization(ctx context.Context, rawURL string) (map[string]AuthRecord, error) {
	key, err := origin.Normalize(rawURL)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	record, ok := e.authURLs[key]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrigin, rawURL)
	}
	delete(e.authURLs, key)
	subject, hasSubject := e.authURLSubjects[key]
	e.mu.Unlock()

	if err := e.saveAuthList(ctx); err != nil {
		return nil, err
	}
	if hasSubject {
		record.AuthorizedAccounts = []string{}
		subject.Publish(record)
	}
	return e.AuthURLs(), nil
}

// UpdateAuthorizedAccounts overwrites the granted account list for every
// listed origin that has a ledger record; unknown origins are skipped.
// The ledger is persisted once after all diffs are applied.
func (e *Engine) UpdateAuthorizedAccounts(ctx context.Context, diffs []AccountsDiff) error {
	type update struct {
		subject *stream.Subject[AuthRecord]
		record  AuthRecord
	}
	var updates []update
	e.mu.Lock()
	for _, diff := range diffs {
		record, ok := e.authURLs[diff.URL]
		if !ok {
			continue
		}
		record.AuthorizedAccounts = append([]string(nil), diff.Accounts...)
		if record.AuthorizedAccounts == nil {
			record.AuthorizedAccounts = []string{}
		}
		e.authURLs[diff.URL] = record
		updates = append(updates, update{subject: e.originSubjectLocked(diff.URL), record: record})
	}
	e.mu.Unlock()

	if err := e.saveAuthList(ctx); err != nil {
		return err
	}
	for _, u := range updates {
		u.subject.Publish(u.record)
	}
	return nil
}

// UpdateCurrentTabsURL records which open tabs belong to authorized
// origins. URLs that fail normalization are skipped with a diagnostic.
func (e *Engine) UpdateCurrentTabsURL(urls []string) {
	connected := make([]string, 0, len(urls))
	e.mu.Lock()
	for _, rawURL := range urls {
		key, err := origin.Normalize(rawURL)
		if err != nil {
			e.logf("arbiter: tab url %q: %v", rawURL, err)
			continue
		}
		if _, ok := e.authURLs[key]; ok {
			connected = append(connected, key)
		}
	}
	e.connectedTabs = connected
	e.mu.Unlock()
}

// ConnectedTabsURL lists the authorized origins among the current tabs.
func (e *Engine) ConnectedTabsURL() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.connectedTabs...)
}

func (e *Engine) countOutcome(outcome string) {
	if e.metrics != nil {
		e.metrics.IncOutcome(outcome)
	}
}
