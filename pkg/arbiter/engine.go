package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"walletgate/pkg/audit"
	"walletgate/pkg/notify"
	"walletgate/pkg/ratelimit"
	"walletgate/pkg/store"
	"walletgate/pkg/stream"
)

const (
	DefaultSignInterval = 3 * time.Second
	DefaultAuthInterval = 5 * time.Second
)

// EventPublisher mirrors security events to an external bus. Optional;
// failures are diagnostic only.
type EventPublisher interface {
	Publish(ctx context.Context, value any) error
}

// EventCounter feeds the diagnostics registry. Optional.
type EventCounter interface {
	IncEvent(event string)
	IncOutcome(outcome string)
}

type Config struct {
	KV       store.KV
	Notifier *notify.Channel

	// SignInterval and AuthInterval are the per-origin cooldowns for the
	// two rate-limited purposes. Zero means the defaults; negative is
	// rejected.
	SignInterval   time.Duration
	AuthInterval   time.Duration
	MaxRateEntries int

	// AuthLimiter and SignLimiter override the built-in in-memory
	// cooldowns, e.g. with the redis-backed limiter when several gateway
	// processes share one admission window.
	AuthLimiter ratelimit.Limiter
	SignLimiter ratelimit.Limiter

	Metrics EventCounter
	Bus     EventPublisher
}

// Engine is the request arbitration and security-state core. One mutex
// owns every table; storage writes and the wait for a human decision
// happen outside it.
type Engine struct {
	mu sync.Mutex

	kv       store.KV
	auditLog *audit.Log
	notifier *notify.Channel
	metrics  EventCounter
	bus      EventPublisher

	authLimiter ratelimit.Limiter
	signLimiter ratelimit.Limiter

	authURLs            map[string]AuthRecord
	defaultAuthAccounts []string
	metadataDefs        map[string]MetadataDef

	pendingAuthOrigins map[string]struct{}
	authRequests       map[string]*authRequest
	metaRequests       map[string]*metaRequest
	signRequests       map[string]*signRequest
	seq                uint64

	connectedTabs []string

	AuthSubject  *stream.Subject[[]AuthRequestView]
	MetaSubject  *stream.Subject[[]MetaRequestView]
	SignSubject  *stream.Subject[[]SignRequestView]
	BadgeSubject *stream.Subject[string]

	authURLSubjects map[string]*stream.Subject[AuthRecord]

	newID func() string
	logf  func(format string, args ...any)
}

func New(cfg Config) (*Engine, error) {
	if cfg.KV == nil {
		return nil, fmt.Errorf("arbiter: storage is required")
	}
	signInterval := cfg.SignInterval
	if signInterval == 0 {
		signInterval = DefaultSignInterval
	}
	authInterval := cfg.AuthInterval
	if authInterval == 0 {
		authInterval = DefaultAuthInterval
	}
	authLimiter := cfg.AuthLimiter
	if authLimiter == nil {
		built, err := ratelimit.NewCooldown(authInterval, cfg.MaxRateEntries)
		if err != nil {
			return nil, fmt.Errorf("arbiter: auth limiter: %w", err)
		}
		authLimiter = built
	}
	signLimiter := cfg.SignLimiter
	if signLimiter == nil {
		built, err := ratelimit.NewCooldown(signInterval, cfg.MaxRateEntries)
		if err != nil {
			return nil, fmt.Errorf("arbiter: sign limiter: %w", err)
		}
		signLimiter = built
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewChannel(nil, notify.ModeNone)
	}
	return &Engine{
		kv:                 cfg.KV,
		auditLog:           audit.NewLog(cfg.KV),
		notifier:           notifier,
		metrics:            cfg.Metrics,
		bus:                cfg.Bus,
		authLimiter:        authLimiter,
		signLimiter:        signLimiter,
		authURLs:           map[string]AuthRecord{},
		metadataDefs:       map[string]MetadataDef{},
		pendingAuthOrigins: map[string]struct{}{},
		authRequests:       map[string]*authRequest{},
		metaRequests:       map[string]*metaRequest{},
		signRequests:       map[string]*signRequest{},
		AuthSubject:        stream.NewSubject[[]AuthRequestView](),
		MetaSubject:        stream.NewSubject[[]MetaRequestView](),
		SignSubject:        stream.NewSubject[[]SignRequestView](),
		BadgeSubject:       stream.NewSubject[string](),
		authURLSubjects:    map[string]*stream.Subject[AuthRecord]{},
		newID:              uuid.NewString,
		logf:               log.Printf,
	}, nil
}

// Init loads the persisted ledger, default account selection and
// metadata registry, and seeds the per-origin subjects. Pending tables
// always start empty: requests in flight when the host process died are
// lost, which callers must treat as data loss, not silently recover.
func (e *Engine) Init(ctx context.Context) error {
	var authURLs map[string]AuthRecord
	if err := e.loadJSON(ctx, store.AuthURLsKey, &authURLs); err != nil {
		return fmt.Errorf("arbiter: load authorization ledger: %w", err)
	}
	var defaults []string
	if err := e.loadJSON(ctx, store.DefaultAuthAccountsKey, &defaults); err != nil {
		return fmt.Errorf("arbiter: load default accounts: %w", err)
	}
	var defs map[string]MetadataDef
	if err := e.loadJSON(ctx, store.MetadataDefsKey, &defs); err != nil {
		return fmt.Errorf("arbiter: load metadata registry: %w", err)
	}

	e.mu.Lock()
	if authURLs != nil {
		e.authURLs = authURLs
	}
	if defaults != nil {
		e.defaultAuthAccounts = defaults
	}
	if defs != nil {
		e.metadataDefs = defs
	}
	subjects := make(map[string]*stream.Subject[AuthRecord], len(e.authURLs))
	records := make(map[string]AuthRecord, len(e.authURLs))
	for key, record := range e.authURLs {
		subject := stream.NewSubject[AuthRecord]()
		e.authURLSubjects[key] = subject
		subjects[key] = subject
		records[key] = record
	}
	e.mu.Unlock()

	for key, subject := range subjects {
		subject.Publish(records[key])
	}
	return nil
}

func (e *Engine) loadJSON(ctx context.Context, key string, out any) error {
	raw, err := e.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

// saveJSON persists one whole-snapshot document. Ledger persistence
// failures propagate: authorization correctness depends on durability.
func (e *Engine) saveJSON(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := e.kv.Set(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

func (e *Engine) saveAuthList(ctx context.Context) error {
	e.mu.Lock()
	snapshot := make(map[string]AuthRecord, len(e.authURLs))
	for key, record := range e.authURLs {
		snapshot[key] = record
	}
	e.mu.Unlock()
	return e.saveJSON(ctx, store.AuthURLsKey, snapshot)
}

func (e *Engine) saveDefaultAuthAccounts(ctx context.Context) error {
	e.mu.Lock()
	defaults := append([]string(nil), e.defaultAuthAccounts...)
	e.mu.Unlock()
	if defaults == nil {
		defaults = []string{}
	}
	return e.saveJSON(ctx, store.DefaultAuthAccountsKey, defaults)
}

func (e *Engine) saveMetadataDefs(ctx context.Context) error {
	e.mu.Lock()
	snapshot := make(map[string]MetadataDef, len(e.metadataDefs))
	for key, def := range e.metadataDefs {
		snapshot[key] = def
	}
	e.mu.Unlock()
	return e.saveJSON(ctx, store.MetadataDefsKey, snapshot)
}

// audited appends to the durable trail and mirrors the event to the
// metrics registry and the bus. Only the durable append matters for the
// audit guarantee; mirrors are best-effort.
func (e *Engine) audited(ctx context.Context, event audit.Event, origin, details string) {
	e.auditLog.Append(ctx, event, origin, details)
	if e.metrics != nil {
		e.metrics.IncEvent(string(event))
	}
	if e.bus != nil {
		if err := e.bus.Publish(ctx, map[string]string{
			"event":   string(event),
			"origin":  origin,
			"details": details,
		}); err != nil {
			e.logf("arbiter: bus publish: %v", err)
		}
	}
}

func (e *Engine) originSubjectLocked(key string) *stream.Subject[AuthRecord] {
	subject, ok := e.authURLSubjects[key]
	if !ok {
		subject = stream.NewSubject[AuthRecord]()
		e.authURLSubjects[key] = subject
	}
	return subject
}

// SubscribeAuthURL returns the publish channel for one origin's ledger
// record. The subject exists independently of whether the origin is
// currently known.
func (e *Engine) SubscribeAuthURL(originKey string) *stream.Subject[AuthRecord] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.originSubjectLocked(originKey)
}

func (e *Engine) publishAuth() {
	e.AuthSubject.Publish(e.AllAuthRequests())
	e.updateBadge()
}

func (e *Engine) publishMeta() {
	e.MetaSubject.Publish(e.AllMetaRequests())
	e.updateBadge()
}

func (e *Engine) publishSign() {
	e.SignSubject.Publish(e.AllSignRequests())
	e.updateBadge()
}

func (e *Engine) updateBadge() {
	e.mu.Lock()
	authCount := len(e.authRequests)
	metaCount := len(e.metaRequests)
	signCount := len(e.signRequests)
	e.mu.Unlock()
	e.BadgeSubject.Publish(Badge(authCount, metaCount, signCount))
	e.notifier.CloseAllIfEmpty(authCount + metaCount + signCount)
}

func (e *Engine) NumAuthRequests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.authRequests)
}

func (e *Engine) NumMetaRequests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.metaRequests)
}

func (e *Engine) NumSignRequests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.signRequests)
}

// AllAuthRequests returns the pending authorization snapshot in intake
// order.
func (e *Engine) AllAuthRequests() []AuthRequestView {
	e.mu.Lock()
	requests := make([]*authRequest, 0, len(e.authRequests))
	for _, r := range e.authRequests {
		requests = append(requests, r)
	}
	e.mu.Unlock()
	sort.Slice(requests, func(i, j int) bool { return requests[i].seq < requests[j].seq })
	views := make([]AuthRequestView, 0, len(requests))
	for _, r := range requests {
		views = append(views, AuthRequestView{ID: r.id, URL: r.url, Request: r.payload})
	}
	return views
}

func (e *Engine) AllMetaRequests() []MetaRequestView {
	e.mu.Lock()
	requests := make([]*metaRequest, 0, len(e.metaRequests))
	for _, r := range e.metaRequests {
		requests = append(requests, r)
	}
	e.mu.Unlock()
	sort.Slice(requests, func(i, j int) bool { return requests[i].seq < requests[j].seq })
	views := make([]MetaRequestView, 0, len(requests))
	for _, r := range requests {
		views = append(views, MetaRequestView{ID: r.id, URL: r.url, Request: r.payload})
	}
	return views
}

func (e *Engine) AllSignRequests() []SignRequestView {
	e.mu.Lock()
	requests := make([]*signRequest, 0, len(e.signRequests))
	for _, r := range e.signRequests {
		requests = append(requests, r)
	}
	e.mu.Unlock()
	sort.Slice(requests, func(i, j int) bool { return requests[i].seq < requests[j].seq })
	views := make([]SignRequestView, 0, len(requests))
	for _, r := range requests {
		views = append(views, SignRequestView{ID: r.id, URL: r.url, Account: r.account, Request: r.payload})
	}
	return views
}

// AuthURLs returns a copy of the authorization ledger.
func (e *Engine) AuthURLs() map[string]AuthRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := make(map[string]AuthRecord, len(e.authURLs))
	for key, record := range e.authURLs {
		snapshot[key] = record
	}
	return snapshot
}

// DefaultAuthAccounts returns the persisted default account selection.
func (e *Engine) DefaultAuthAccounts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.defaultAuthAccounts...)
}

// UpdateDefaultAuthAccounts replaces and persists the default selection.
func (e *Engine) UpdateDefaultAuthAccounts(ctx context.Context, accounts []string) error {
	e.mu.Lock()
	e.defaultAuthAccounts = append([]string(nil), accounts...)
	e.mu.Unlock()
	return e.saveDefaultAuthAccounts(ctx)
}

// SecurityLog returns the persisted audit trail, oldest first.
func (e *Engine) SecurityLog(ctx context.Context) []audit.Entry {
	return e.auditLog.Entries(ctx)
}

// SetNotification switches how approval surfaces are presented.
func (e *Engine) SetNotification(mode string) {
	e.notifier.SetMode(notify.ParseMode(mode))
}

// KnownMetadata lists the registered chain metadata definitions.
func (e *Engine) KnownMetadata() []MetadataDef {
	e.mu.Lock()
	defs := make([]MetadataDef, 0, len(e.metadataDefs))
	for _, def := range e.metadataDefs {
		defs = append(defs, def)
	}
	e.mu.Unlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].GenesisHash < defs[j].GenesisHash })
	return defs
}

// SaveMetadata registers a chain definition, keyed by genesis hash.
func (e *Engine) SaveMetadata(ctx context.Context, def MetadataDef) error {
	if def.GenesisHash == "" {
		return fmt.Errorf("arbiter: metadata definition has no genesis hash")
	}
	e.mu.Lock()
	e.metadataDefs[def.GenesisHash] = def
	e.mu.Unlock()
	return e.saveMetadataDefs(ctx)
}
