package policy

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ConfirmSender is the minimal channel capability the write-gate needs to
// issue a confirmation prompt: send a message to a target conversation.
type ConfirmSender interface {
	Send(ctx context.Context, target, content string) error
}

// ConfirmWaiter is the minimal channel capability the write-gate needs to
// collect the user's answer. Implementations live on the channel adapters
// (internal/channels/discord, internal/channels/telegram).
type ConfirmWaiter interface {
	WaitForReply(ctx context.Context, target, fromUserID string, timeout time.Duration) (reply string, ok bool)
}

// affirmative replies that resolve a confirmation prompt as approved.
var affirmative = map[string]bool{
	"yes": true, "y": true, "confirm": true, "ok": true, "approve": true,
}

// WriteGate guards every non-read tool call behind an allowlist check and,
// for tools outside it, an interactive confirmation round-trip over the
// session's channel. At most one confirmation may be pending per session at
// a time.
type WriteGate struct {
	mu      sync.Mutex
	pending map[string]bool // sessionKey -> confirmation in flight

	// DefaultTimeout bounds how long WaitForConfirmation blocks for a reply.
	DefaultTimeout time.Duration
}

// NewWriteGate constructs a WriteGate with a 2-minute default confirmation
// timeout.
func NewWriteGate() *WriteGate {
	return &WriteGate{
		pending:        make(map[string]bool),
		DefaultTimeout: 2 * time.Minute,
	}
}

// CheckAllowlist reports whether userID may invoke toolName without
// confirmation, per p.AllowedUsers. A nil policy or empty allow list permits
// everyone.
func (g *WriteGate) CheckAllowlist(p *Policy, userID string) bool {
	return p.AllowedForUser(userID)
}

// TryBeginConfirmation marks sessionKey as having a pending confirmation. It
// returns false if one is already in flight, in which case the caller should
// deny with WriteGatePending rather than issue a second prompt.
func (g *WriteGate) TryBeginConfirmation(sessionKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending[sessionKey] {
		return false
	}
	g.pending[sessionKey] = true
	return true
}

// EndConfirmation clears sessionKey's pending flag. Callers must call this
// exactly once after TryBeginConfirmation succeeds, regardless of outcome.
func (g *WriteGate) EndConfirmation(sessionKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, sessionKey)
}

// Confirm sends prompt to target over sender, then waits on waiter for
// fromUserID's reply. The reply is normalized (trimmed, case-folded) against
// a fixed set of affirmative tokens; anything else, or no reply within
// timeout (0 uses g.DefaultTimeout), denies the action.
func (g *WriteGate) Confirm(ctx context.Context, sender ConfirmSender, waiter ConfirmWaiter, target, fromUserID, prompt string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = g.DefaultTimeout
	}

	if err := sender.Send(ctx, target, prompt); err != nil {
		return false, err
	}

	reply, ok := waiter.WaitForReply(ctx, target, fromUserID, timeout)
	if !ok {
		return false, nil
	}
	return affirmative[strings.ToLower(strings.TrimSpace(reply))], nil
}
