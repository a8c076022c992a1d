package arbiter

import (
	"context"
	"encoding/json"
	"fmt"

	"walletgate/pkg/audit"
	"walletgate/pkg/origin"
	"walletgate/pkg/ratelimit"
)

// InjectMetadata queues a chain-metadata registration for approval.
// Unlike authorization there is no dedup or ledger gate: a site may have
// any number of metadata requests pending at once.
func (e *Engine) InjectMetadata(ctx context.Context, rawURL string, def MetadataDef) (bool, error) {
	e.mu.Lock()
	e.seq++
	request := &metaRequest{
		seq:     e.seq,
		id:      e.newID(),
		url:     rawURL,
		payload: def,
		done:    make(chan metaOutcome, 1),
	}
	e.metaRequests[request.id] = request
	e.mu.Unlock()

	e.publishMeta()
	e.notifier.Open()

	select {
	case outcome := <-request.done:
		return outcome.approved, outcome.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ResolveMeta approves or declines a pending metadata request. Approval
// also registers the definition in the metadata registry.
func (e *Engine) ResolveMeta(ctx context.Context, id string, approved bool) error {
	e.mu.Lock()
	request, ok := e.metaRequests[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	delete(e.metaRequests, id)
	e.mu.Unlock()

	if approved {
		if err := e.SaveMetadata(ctx, request.payload); err != nil {
			// Re-queue so the decision is not lost with the definition.
			e.mu.Lock()
			e.metaRequests[id] = request
			e.mu.Unlock()
			return err
		}
	}
	e.publishMeta()
	request.done <- metaOutcome{approved: approved}
	return nil
}

// RejectMeta drops a pending metadata request.
func (e *Engine) RejectMeta(ctx context.Context, id, reason string) error {
	e.mu.Lock()
	request, ok := e.metaRequests[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	delete(e.metaRequests, id)
	e.mu.Unlock()

	e.publishMeta()
	request.done <- metaOutcome{err: fmt.Errorf("%w: %s", ErrRejected, reason)}
	return nil
}

// GetMetaRequest returns the pending metadata view for id.
func (e *Engine) GetMetaRequest(id string) (MetaRequestView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	request, ok := e.metaRequests[id]
	if !ok {
		return MetaRequestView{}, false
	}
	return MetaRequestView{ID: request.id, URL: request.url, Request: request.payload}, true
}

// Sign queues a signing operation for approval. The sign-purpose rate
// gate runs before any pending entry exists; a violation is audited and
// returned immediately.
func (e *Engine) Sign(ctx context.Context, rawURL string, payload json.RawMessage, account string) (SignResult, error) {
	key, err := origin.Normalize(rawURL)
	if err != nil {
		return SignResult{}, err
	}
	if err := e.signLimiter.Allow(key); err != nil {
		e.audited(ctx, audit.EventRateLimitHit, key, "Signing request rate limited")
		return SignResult{}, fmt.Errorf("too many signing requests from %s: %w", rawURL, ratelimit.ErrRateLimited)
	}

	e.mu.Lock()
	e.seq++
	request := &signRequest{
		seq:     e.seq,
		id:      e.newID(),
		url:     rawURL,
		account: account,
		payload: payload,
		done:    make(chan signOutcome, 1),
	}
	e.signRequests[request.id] = request
	e.mu.Unlock()

	e.publishSign()
	e.notifier.Open()

	select {
	case outcome := <-request.done:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return SignResult{}, ctx.Err()
	}
}

// ResolveSign fulfils a pending signing request with the signature the
// external signer capability produced. The audit append is best-effort
// and never blocks fulfilment.
func (e *Engine) ResolveSign(ctx context.Context, id string, result SignResult) error {
	e.mu.Lock()
	request, ok := e.signRequests[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	delete(e.signRequests, id)
	e.mu.Unlock()

	e.publishSign()
	e.audited(ctx, audit.EventSignApproved, request.url, "")
	if result.ID == "" {
		result.ID = id
	}
	request.done <- signOutcome{result: result}
	return nil
}

// RejectSign declines a pending signing request.
func (e *Engine) RejectSign(ctx context.Context, id, reason string) error {
	e.mu.Lock()
	request, ok := e.signRequests[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	delete(e.signRequests, id)
	e.mu.Unlock()

	e.publishSign()
	e.audited(ctx, audit.EventSignRejected, request.url, reason)
	request.done <- signOutcome{err: fmt.Errorf("%w: %s", ErrRejected, reason)}
	return nil
}

// GetSignRequest returns the pending signing view for id.
func (e *Engine) GetSignRequest(id string) (SignRequestView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	request, ok := e.signRequests[id]
	if !ok {
		return SignRequestView{}, false
	}
	return SignRequestView{ID: request.id, URL: request.url, Account: request.account, Request: request.payload}, true
}
