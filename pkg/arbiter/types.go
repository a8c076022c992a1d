package arbiter

import (
	"encoding/json"
	"errors"
	"strconv"
)

var (
	ErrDuplicatePending = errors.New("origin already has a pending authorization request")
	ErrAccessDenied     = errors.New("origin is not allowed to interact with the wallet")
	ErrUnknownOrigin    = errors.New("origin is not known")
	ErrUnknownRequest   = errors.New("no pending request with this id")
	ErrCancelled        = errors.New("connection request was cancelled by the user")
	ErrRejected         = errors.New("request was rejected by the user")
)

// CancelledReason is the rejection reason that means "dismissed without a
// decision". It removes the pending request without persisting a denial.
const CancelledReason = "cancelled"

// AuthRecord is one entry of the durable authorization ledger, keyed by
// normalized origin. An empty AuthorizedAccounts list with IsAllowed
// unset means the origin was seen and explicitly denied.
type AuthRecord struct {
	AuthorizedAccounts []string `json:"authorizedAccounts"`
	Count              int      `json:"count"`
	ID                 string   `json:"id"`
	IsAllowed          bool     `json:"isAllowed,omitempty"`
	Origin             string   `json:"origin"`
	URL                string   `json:"url"`
}

// AuthPayload is the raw connect request a site sends alongside its URL.
type AuthPayload struct {
	Origin string `json:"origin"`
}

// AuthResponse is what a waiting AuthorizeURL call eventually receives.
// An origin that already holds a grant yields {[], false}: no new prompt,
// the decision already exists.
type AuthResponse struct {
	AuthorizedAccounts []string `json:"authorizedAccounts"`
	Result             bool     `json:"result"`
}

// MetadataDef describes one chain whose metadata a site asks to register.
type MetadataDef struct {
	Chain         string `json:"chain"`
	GenesisHash   string `json:"genesisHash"`
	Icon          string `json:"icon"`
	SS58Format    int    `json:"ss58Format"`
	SpecVersion   int    `json:"specVersion"`
	TokenDecimals int    `json:"tokenDecimals"`
	TokenSymbol   string `json:"tokenSymbol"`
	ChainType     string `json:"chainType,omitempty"`
}

// SignResult is the outcome produced by the external signer capability.
type SignResult struct {
	ID        string `json:"id"`
	Signature string `json:"signature"`
}

// Snapshot views published to the approval surface. The resolver pair
// stays inside the engine; views carry only what the UI renders.

type AuthRequestView struct {
	ID      string      `json:"id"`
	URL     string      `json:"url"`
	Request AuthPayload `json:"request"`
}

type MetaRequestView struct {
	ID      string      `json:"id"`
	URL     string      `json:"url"`
	Request MetadataDef `json:"request"`
}

type SignRequestView struct {
	ID      string          `json:"id"`
	URL     string          `json:"url"`
	Account string          `json:"account"`
	Request json.RawMessage `json:"request"`
}

// AccountsDiff is one entry of a batched account-list overwrite.
type AccountsDiff struct {
	URL      string   `json:"url"`
	Accounts []string `json:"accounts"`
}

type authOutcome struct {
	resp AuthResponse
	err  error
}

type metaOutcome struct {
	approved bool
	err      error
}

type signOutcome struct {
	result SignResult
	err    error
}

type authRequest struct {
	seq       uint64
	id        string
	originKey string
	url       string
	payload   AuthPayload
	done      chan authOutcome
}

type metaRequest struct {
	seq     uint64
	id      string
	url     string
	payload MetadataDef
	done    chan metaOutcome
}

type signRequest struct {
	seq     uint64
	id      string
	url     string
	account string
	payload json.RawMessage
	done    chan signOutcome
}

// Badge is the pure projection of the three pending counts shown on the
// extension icon: authorization first, then metadata, then the signing
// count, then nothing.
func Badge(authCount, metaCount, signCount int) string {
	switch {
	case authCount > 0:
		return "Auth"
	case metaCount > 0:
		return "Meta"
	case signCount > 0:
		return strconv.Itoa(signCount)
	default:
		return ""
	}
}
