// Package bridge implements request/response RPC between the top frame and
// the embedded quiz frame over a postMessage-style transport. Peers are
// mutually distrusting: every inbound message is origin-checked before it is
// decoded, and unrelated traffic on the shared transport is silently skipped.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/envelope"
	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/logger"
)

// Window is one reachable peer frame endpoint. Post delivers data only when
// targetOrigin matches the window's actual origin, mirroring the browser's
// cross-document messaging contract.
type Window interface {
	Origin() string
	Post(targetOrigin string, data []byte) error
}

// Locator discovers the embedded quiz frame. Find is the structural lookup;
// Children is the iterate-all-frames fallback.
type Locator interface {
	Find() Window
	Children() []Window
}

// Handler answers requests arriving from the peer frame.
type Handler interface {
	// OnAction executes a forwarded quiz action in this frame.
	OnAction(a envelope.Action) error

	// OnQuestionRequest returns a snapshot of the current question.
	OnQuestionRequest() map[string]any
}

type pendingCall struct {
	requestID string
	ch        chan envelope.Message
	createdAt time.Time
}

// Bridge performs single round trips to a peer frame identified by origin.
type Bridge struct {
	locator Locator
	allowed []string // the two known origins; never "*"
	handler Handler

	mu    sync.Mutex
	calls map[string]*pendingCall
}

// New creates a bridge restricted to the given peer origins.
func New(locator Locator, allowedOrigins []string) *Bridge {
	return &Bridge{
		locator: locator,
		allowed: allowedOrigins,
		calls:   make(map[string]*pendingCall),
	}
}

// SetHandler installs the request handler for the receiving side.
func (b *Bridge) SetHandler(h Handler) {
	b.handler = h
}

func (b *Bridge) originAllowed(origin string) bool {
	for _, o := range b.allowed {
		if o == origin {
			return true
		}
	}
	return false
}

// Call posts msg to the peer frame and waits for the correlated response.
// resp is nil when no peer frame was reachable (immediate) or when no
// response arrived within timeout; callers apply the same fallback either
// way. sent reports whether the envelope left this frame at all, so the
// action relay can tell a send-time failure (safe to run locally) from a
// delivered-but-unanswered request (must not double-fire).
func (b *Bridge) Call(ctx context.Context, msg envelope.Message, timeout time.Duration) (resp envelope.Message, sent bool) {
	data, err := envelope.Encode(msg)
	if err != nil {
		logger.Error("bridge encode failed", "type", msg.MessageType(), "err", err)
		return nil, false
	}

	pc := &pendingCall{
		requestID: msg.RequestID(),
		ch:        make(chan envelope.Message, 1),
		createdAt: time.Now(),
	}
	b.mu.Lock()
	b.calls[pc.requestID] = pc
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.calls, pc.requestID)
		b.mu.Unlock()
	}()

	target, aimed := b.post(data)
	if target == "" {
		logger.Debug("bridge found no reachable peer", "type", msg.MessageType(), "request_id", pc.requestID)
		return nil, false
	}
	logger.Debug("bridge request posted",
		"type", msg.MessageType(), "request_id", pc.requestID, "origin", target, "fallback_scan", !aimed)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-pc.ch:
		logger.Debug("bridge response received",
			"type", r.MessageType(), "request_id", pc.requestID, "origin", target,
			"elapsed", time.Since(pc.createdAt))
		return r, true
	case <-timer.C:
		logger.Warn("bridge call timed out",
			"request_id", pc.requestID, "origin", target, "elapsed", time.Since(pc.createdAt))
		return nil, true
	case <-ctx.Done():
		return nil, true
	}
}

// post tries the structural lookup first, then every child frame, stopping at
// the first successful send. It returns the origin that accepted the post
// ("" if none) and whether the structural lookup hit.
func (b *Bridge) post(data []byte) (origin string, aimed bool) {
	if w := b.locator.Find(); w != nil {
		if o := b.postTo(w, data); o != "" {
			return o, true
		}
	}
	for _, w := range b.locator.Children() {
		if o := b.postTo(w, data); o != "" {
			return o, false
		}
	}
	return "", false
}

func (b *Bridge) postTo(w Window, data []byte) string {
	for _, o := range b.allowed {
		if err := w.Post(o, data); err == nil {
			return o
		}
	}
	return ""
}

// Deliver feeds one inbound transport message into the bridge. from is the
// window the message arrived from; its origin is verified against the known
// peer origins before the payload is even decoded. Unrecognized envelopes
// and stale correlation ids are dropped without effect.
func (b *Bridge) Deliver(from Window, raw []byte) {
	origin := from.Origin()
	if !b.originAllowed(origin) {
		logger.Debug("bridge dropped message from unexpected origin", "origin", origin)
		return
	}
	msg, ok := envelope.Decode(raw)
	if !ok {
		return // unrelated traffic on the shared transport
	}

	// Response correlation first: exactly one pending call per requestId.
	b.mu.Lock()
	pc := b.calls[msg.RequestID()]
	if pc != nil {
		delete(b.calls, msg.RequestID())
	}
	b.mu.Unlock()
	if pc != nil {
		pc.ch <- msg
		return
	}

	switch m := msg.(type) {
	case envelope.Action:
		if b.handler == nil {
			return
		}
		if err := b.handler.OnAction(m); err != nil {
			logger.Warn("action handler failed", "action", m.Action, "request_id", m.ReqID, "err", err)
		}
		b.reply(from, origin, envelope.Action{ReqID: m.ReqID, Action: m.Action})
	case envelope.QuestionRequest:
		if b.handler == nil {
			return
		}
		snap := b.handler.OnQuestionRequest()
		b.reply(from, origin, envelope.QuestionSnapshot{ReqID: m.ReqID, Snapshot: snap})
	default:
		// A response whose call already completed or timed out.
		logger.Debug("bridge dropped stale response", "type", msg.MessageType(), "request_id", msg.RequestID())
	}
}

func (b *Bridge) reply(to Window, origin string, msg envelope.Message) {
	data, err := envelope.Encode(msg)
	if err != nil {
		logger.Error("bridge encode reply failed", "type", msg.MessageType(), "err", err)
		return
	}
	if err := to.Post(origin, data); err != nil {
		logger.Warn("bridge reply post failed", "origin", origin, "request_id", msg.RequestID(), "err", err)
		return
	}
	logger.Debug("bridge response posted", "type", msg.MessageType(), "request_id", msg.RequestID(), "origin", origin)
}

// PendingCalls reports the number of outstanding calls, for tests.
func (b *Bridge) PendingCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}
