package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownAccount = errors.New("unknown account")
	ErrKeyRevoked     = errors.New("key revoked")
	ErrBadSignature   = errors.New("invalid signature")
)

// Signature is the result of signing a bound payload.
type Signature struct {
	Alg string `json:"alg"`
	Sig string `json:"sig"`
}

// Signer produces a signature for a pending request on behalf of an
// account. Implementations hold the key material; the engine never does.
type Signer interface {
	Sign(ctx context.Context, account string, payload []byte) (Signature, error)
}

// SigningPayload binds the request identity to the bytes being signed so
// a signature cannot be replayed against a different request.
func SigningPayload(requestID, url string, body json.RawMessage) ([]byte, error) {
	binding := struct {
		RequestID string          `json:"request_id"`
		URL       string          `json:"url"`
		Body      json.RawMessage `json:"body"`
	}{RequestID: requestID, URL: url, Body: body}
	raw, err := json.Marshal(binding)
	if err != nil {
		return nil, fmt.Errorf("marshal signing payload: %w", err)
	}
	return raw, nil
}

type keyRecord struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
	revoked bool
}

// Keyring is an in-process ed25519 Signer keyed by account address.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]*keyRecord
}

func NewKeyring() *Keyring {
	return &Keyring{keys: map[string]*keyRecord{}}
}

// Generate creates a fresh keypair for account and returns the public key.
func (k *Keyring) Generate(account string) (ed25519.PublicKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key for %s: %w", account, err)
	}
	k.mu.Lock()
	k.keys[account] = &keyRecord{public: public, private: private}
	k.mu.Unlock()
	return public, nil
}

// Add registers existing key material for account.
func (k *Keyring) Add(account string, private ed25519.PrivateKey) {
	k.mu.Lock()
	k.keys[account] = &keyRecord{
		public:  private.Public().(ed25519.PublicKey),
		private: private,
	}
	k.mu.Unlock()
}

// Revoke keeps the public key for verification but refuses new signatures.
func (k *Keyring) Revoke(account string) {
	k.mu.Lock()
	if record, ok := k.keys[account]; ok {
		record.revoked = true
	}
	k.mu.Unlock()
}

// Has reports whether account can currently sign.
func (k *Keyring) Has(account string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	record, ok := k.keys[account]
	return ok && !record.revoked
}

func (k *Keyring) Sign(ctx context.Context, account string, payload []byte) (Signature, error) {
	if err := ctx.Err(); err != nil {
		return Signature{}, err
	}
	k.mu.RLock()
	record, ok := k.keys[account]
	k.mu.RUnlock()
	if !ok {
		return Signature{}, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	if record.revoked {
		return Signature{}, fmt.Errorf("%w: %s", ErrKeyRevoked, account)
	}
	sig := ed25519.Sign(record.private, payload)
	return Signature{Alg: "ed25519", Sig: base64.StdEncoding.EncodeToString(sig)}, nil
}

// Verify checks a signature produced for account over payload.
func (k *Keyring) Verify(account string, payload []byte, signature Signature) error {
	if signature.Alg != "ed25519" {
		return fmt.Errorf("unsupported signature alg %q", signature.Alg)
	}
	k.mu.RLock()
	record, ok := k.keys[account]
	k.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(signature.Sig)
	if err != nil {
		return err
	}
	if !ed25519.Verify(record.public, payload, sigBytes) {
		return ErrBadSignature
	}
	return nil
}
