package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"walletgate/pkg/store"
)

type Event string

const (
	EventAuthGranted   Event = "auth_granted"
	EventAuthDenied    Event = "auth_denied"
	EventAuthCancelled Event = "auth_cancelled"
	EventSignApproved  Event = "sign_approved"
	EventSignRejected  Event = "sign_rejected"
	EventRateLimitHit  Event = "rate_limit_hit"
)

type Entry struct {
	Timestamp int64  `json:"timestamp"`
	Event     Event  `json:"event"`
	Origin    string `json:"origin"`
	Details   string `json:"details,omitempty"`
}

const MaxEntries = 100

// Log is the bounded security audit trail. Every append rewrites the
// whole snapshot under store.SecurityLogKey, truncated to the last
// MaxEntries entries in append order. Appends are best-effort: a storage
// failure must never fail the operation being audited, so errors go to
// the diagnostic log only.
type Log struct {
	kv   store.KV
	max  int
	now  func() time.Time
	logf func(format string, args ...any)
}

func NewLog(kv store.KV) *Log {
	return &Log{
		kv:   kv,
		max:  MaxEntries,
		now:  time.Now,
		logf: log.Printf,
	}
}

func (l *Log) Append(ctx context.Context, event Event, origin, details string) {
	entries, err := l.load(ctx)
	if err != nil {
		l.logf("audit: read security log: %v", err)
		entries = nil
	}
	entries = append(entries, Entry{
		Timestamp: l.now().UnixMilli(),
		Event:     event,
		Origin:    origin,
		Details:   details,
	})
	if len(entries) > l.max {
		entries = entries[len(entries)-l.max:]
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		l.logf("audit: encode security log: %v", err)
		return
	}
	if err := l.kv.Set(ctx, store.SecurityLogKey, string(raw)); err != nil {
		l.logf("audit: persist security log: %v", err)
	}
}

// Entries returns the persisted trail in chronological order, or an
// empty slice when the underlying storage fails.
func (l *Log) Entries(ctx context.Context) []Entry {
	entries, err := l.load(ctx)
	if err != nil {
		l.logf("audit: read security log: %v", err)
		return []Entry{}
	}
	return entries
}

func (l *Log) load(ctx context.Context) ([]Entry, error) {
	raw, err := l.kv.Get(ctx, store.SecurityLogKey)
	if errors.Is(err, store.ErrNotFound) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
