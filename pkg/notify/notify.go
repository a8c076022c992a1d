package notify

import (
	"log"
	"strings"
	"sync"
)

// Mode selects how the approval surface is presented. ModeNone means the
// host renders approvals inline and no separate surface is opened.
type Mode int

const (
	ModeNone Mode = iota
	ModeNormal
	ModePopUp
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeNormal:
		return "window"
	default:
		return "popup"
	}
}

func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "extension":
		return ModeNone
	case "window", "normal":
		return ModeNormal
	default:
		return ModePopUp
	}
}

// Opener is the capability that actually creates and destroys approval
// surfaces (browser windows, native dialogs). The channel only tracks
// handles.
type Opener interface {
	Open(mode Mode) (handle string, err error)
	Close(handle string) error
}

// Channel owns the set of open approval-surface handles. Surfaces are
// opened when work arrives and closed together once the aggregate
// pending count drops to zero; a handle is never leaked on its own.
type Channel struct {
	mu      sync.Mutex
	mode    Mode
	opener  Opener
	handles []string
	logf    func(format string, args ...any)
}

func NewChannel(opener Opener, mode Mode) *Channel {
	return &Channel{
		mode:   mode,
		opener: opener,
		logf:   log.Printf,
	}
}

func (c *Channel) SetMode(mode Mode) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
}

// Open ensures an approval surface exists for newly queued work.
// Surface creation failures are diagnostic only: the pending request
// remains resolvable through the capability API regardless.
func (c *Channel) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeNone || c.opener == nil {
		return
	}
	handle, err := c.opener.Open(c.mode)
	if err != nil {
		c.logf("notify: open surface: %v", err)
		return
	}
	c.handles = append(c.handles, handle)
}

// CloseAllIfEmpty closes every tracked surface when nothing is pending.
func (c *Channel) CloseAllIfEmpty(pendingTotal int) {
	if pendingTotal > 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, handle := range c.handles {
		if err := c.opener.Close(handle); err != nil {
			c.logf("notify: close surface %s: %v", handle, err)
		}
	}
	c.handles = nil
}

// OpenHandles reports the tracked surface handles.
func (c *Channel) OpenHandles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.handles...)
}
