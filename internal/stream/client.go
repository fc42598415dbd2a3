// Package stream implements the client side of the background chat channel:
// one long-lived duplex connection per request, incremental deltas in arrival
// order, and at most one active session system-wide.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/envelope"
	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/logger"
)

var (
	// ErrRelayUnavailable means the duplex channel could not be opened.
	ErrRelayUnavailable = errors.New("relay unavailable")

	// ErrTimeout means neither Done nor Error arrived within the watchdog budget.
	ErrTimeout = errors.New("chat stream timed out")

	// ErrChannelClosed means the relay disconnected before a terminal message.
	ErrChannelClosed = errors.New("relay channel closed before completion")

	// ErrSuperseded is returned to a Send that was cancelled by a newer Send.
	ErrSuperseded = errors.New("chat request superseded")
)

// DefaultWatchdog is the wall-clock budget for one whole stream.
const DefaultWatchdog = 2 * time.Minute

const dialTimeout = 10 * time.Second

// SessionState is the authoritative state of one chat stream session.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s SessionState) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Request is one chat completion request.
type Request struct {
	APIKey             string
	AuthToken          string
	BackendURL         string
	Model              string
	Input              string
	Instructions       string
	PreviousResponseID string
}

// Result is the terminal outcome of a completed stream.
type Result struct {
	Text       string
	ResponseID string
	Usage      *envelope.Usage
}

type outcome struct {
	res *Result
	err error
}

// session is one in-flight exchange. All mutation goes through settle and
// appendDelta, which check the authoritative state first — a stale timer or
// a stale message can fire after a logically newer operation has started.
type session struct {
	requestID string
	conn      *websocket.Conn
	onDelta   func(string)

	mu    sync.Mutex
	state SessionState
	text  strings.Builder

	// cbMu is held across the terminal check and the delta callback, so a
	// settle can wait out an in-flight callback and guarantee none fires
	// after it returns.
	cbMu sync.Mutex

	done chan outcome // buffered 1; receives the single terminal outcome
}

func (s *session) setState(state SessionState) {
	logger.Debug("chat session state", "request_id", s.requestID, "state", state.String())
	s.state = state
}

// settle drives the session to a terminal state exactly once. Late settles
// (stale watchdog, stale read error, duplicate terminal message) are no-ops.
func (s *session) settle(state SessionState, res *Result, err error) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.setState(state)
	s.mu.Unlock()

	// A delta callback that passed its terminal check before this settle won
	// may still be running; wait for it so no callback fires after settle
	// returns.
	s.cbMu.Lock()
	s.cbMu.Unlock()

	if s.conn != nil {
		s.conn.Close(websocket.StatusNormalClosure, state.String())
	}
	s.done <- outcome{res: res, err: err}
}

// appendDelta records one increment; dropped if the session is already
// terminal (a cancelled session's callback never fires again).
func (s *session) appendDelta(delta string) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	if s.state == StateConnecting {
		s.setState(StateStreaming)
	}
	s.text.WriteString(delta)
	s.mu.Unlock()

	if s.onDelta != nil {
		s.onDelta(delta)
	}
}

func (s *session) currentText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Client opens chat streams through the background relay. At most one
// session is active at a time: a new Send cancels the previous one first.
type Client struct {
	RelayURL string

	// Watchdog overrides DefaultWatchdog when non-zero.
	Watchdog time.Duration

	mu      sync.Mutex
	current *session
}

// CurrentText returns the accumulated text of the active session — always
// the concatenation of all deltas received so far, in arrival order.
func (c *Client) CurrentText() string {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return ""
	}
	return s.currentText()
}

// Cancel cancels the active session, if any. The cancelled Send returns
// ErrSuperseded; its callbacks never fire again.
func (c *Client) Cancel() {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s != nil {
		logger.Info("chat session cancelled", "request_id", s.requestID)
		s.settle(StateCancelled, nil, ErrSuperseded)
	}
}

// Send opens a channel to the relay, sends one chat request, streams deltas
// to onDelta in arrival order, and returns the terminal outcome. A Send
// issued while a previous one is still streaming cancels the previous one.
// onDelta runs on the client's read goroutine and must not call back into
// the Client.
func (c *Client) Send(ctx context.Context, req Request, onDelta func(delta string)) (*Result, error) {
	s := &session{
		requestID: envelope.NewRequestID(),
		onDelta:   onDelta,
		done:      make(chan outcome, 1),
	}
	s.setState(StateConnecting)

	c.mu.Lock()
	if prev := c.current; prev != nil {
		logger.Info("superseding chat session", "old_request_id", prev.requestID, "new_request_id", s.requestID)
		prev.settle(StateCancelled, nil, ErrSuperseded)
	}
	c.current = s
	c.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, c.RelayURL, nil)
	if err != nil {
		s.settle(StateFailed, nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err))
		o := <-s.done
		return nil, o.err
	}
	s.mu.Lock()
	// Cancelled while dialing: close the fresh connection and bail.
	if s.state.terminal() {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "cancelled")
		o := <-s.done
		return nil, o.err
	}
	s.conn = conn
	s.mu.Unlock()

	data, err := envelope.Encode(envelope.StreamRequest{
		ReqID:              s.requestID,
		APIKey:             req.APIKey,
		AuthToken:          req.AuthToken,
		BackendURL:         req.BackendURL,
		Model:              req.Model,
		Input:              req.Input,
		Instructions:       req.Instructions,
		PreviousResponseID: req.PreviousResponseID,
	})
	if err != nil {
		s.settle(StateFailed, nil, fmt.Errorf("encode request: %w", err))
		o := <-s.done
		return nil, o.err
	}
	writeCtx, cancelWrite := context.WithTimeout(ctx, dialTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, data)
	cancelWrite()
	if err != nil {
		s.settle(StateFailed, nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err))
		o := <-s.done
		return nil, o.err
	}

	wd := c.Watchdog
	if wd == 0 {
		wd = DefaultWatchdog
	}
	watchdog := time.AfterFunc(wd, func() {
		logger.Warn("chat stream watchdog fired", "request_id", s.requestID, "budget", wd)
		s.settle(StateFailed, nil, ErrTimeout)
	})
	defer watchdog.Stop()

	go c.readLoop(s)

	select {
	case o := <-s.done:
		if o.err != nil {
			return nil, o.err
		}
		return o.res, nil
	case <-ctx.Done():
		s.settle(StateCancelled, nil, ctx.Err())
		return nil, ctx.Err()
	}
}

// readLoop consumes inbound messages until a terminal message or closure.
// Messages bearing any other requestId are stale and ignored.
func (c *Client) readLoop(s *session) {
	ctx := context.Background()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.settle(StateFailed, nil, fmt.Errorf("%w: %v", ErrChannelClosed, err))
			return
		}
		msg, ok := envelope.Decode(data)
		if !ok {
			continue
		}
		if msg.RequestID() != s.requestID {
			logger.Debug("ignoring message for stale request", "request_id", msg.RequestID(), "want", s.requestID)
			continue
		}
		switch m := msg.(type) {
		case envelope.StreamDelta:
			s.appendDelta(m.Delta)
		case envelope.StreamDone:
			res := &Result{Text: s.currentText(), ResponseID: m.ResponseID, Usage: m.Usage}
			s.settle(StateCompleted, res, nil)
			return
		case envelope.StreamError:
			s.settle(StateFailed, nil, fmt.Errorf("relay error: %s", m.Error))
			return
		}
	}
}
