// Package action decides where a user command runs: in this frame, or
// forwarded to the frame that actually owns the quiz DOM.
package action

import (
	"context"
	"fmt"
	"time"

	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/bridge"
	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/envelope"
	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/interfaces"
	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/logger"
)

// DefaultForwardTimeout bounds how long a forwarded action waits for an ack.
const DefaultForwardTimeout = 1500 * time.Millisecond

// Relay executes a user action exactly once per keystroke. A top-frame relay
// forwards to the embedded frame and falls back to local execution only when
// the send itself found no peer; a non-top relay always executes locally.
type Relay struct {
	Bridge   *bridge.Bridge
	Executor interfaces.Executor
	IsTop    bool

	// ForwardTimeout overrides DefaultForwardTimeout when non-zero.
	ForwardTimeout time.Duration
}

// Dispatch routes one action. index is ignored unless the action targets an
// answer option (pass a negative index otherwise).
func (r *Relay) Dispatch(ctx context.Context, kind, key string, index int) error {
	if !r.IsTop {
		return r.execute(kind, index)
	}

	msg := envelope.Action{ReqID: envelope.NewRequestID(), Action: kind, Key: key}
	if index >= 0 {
		msg.Index = &index
	}
	timeout := r.ForwardTimeout
	if timeout == 0 {
		timeout = DefaultForwardTimeout
	}

	resp, sent := r.Bridge.Call(ctx, msg, timeout)
	if sent {
		// The envelope reached a peer. Whether or not it was acked in time,
		// the peer may have acted on it — never run the action again here.
		if resp == nil {
			logger.Warn("forwarded action was not acknowledged", "action", kind, "request_id", msg.ReqID)
		}
		return nil
	}

	logger.Debug("no quiz frame reachable, running action locally", "action", kind)
	return r.execute(kind, index)
}

func (r *Relay) execute(kind string, index int) error {
	target, ok := r.Executor.FindTarget(kind, index)
	if !ok {
		return fmt.Errorf("no target for action %q", kind)
	}
	if err := r.Executor.Click(target); err != nil {
		return fmt.Errorf("action %q: %w", kind, err)
	}
	return nil
}

// Handler adapts a Relay into the bridge's request handler so a frame-side
// relay serves forwarded actions and question snapshots.
type Handler struct {
	Relay    *Relay
	Snapshot func() map[string]any
}

func (h *Handler) OnAction(a envelope.Action) error {
	idx := -1
	if a.Index != nil {
		idx = *a.Index
	}
	return h.Relay.execute(a.Action, idx)
}

func (h *Handler) OnQuestionRequest() map[string]any {
	if h.Snapshot == nil {
		return nil
	}
	return h.Snapshot()
}
