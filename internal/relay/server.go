// Package relay is the privileged background process of the quiz assistant:
// a websocket server that authenticates callers, proxies one chat request per
// connection to an OpenAI-compatible backend, and streams deltas back over
// the duplex channel.
package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/envelope"
	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/logger"
)

const (
	readLimit    = 512 * 1024
	writeTimeout = 10 * time.Second
	// requestWait bounds how long an accepted connection may sit idle
	// before sending its STREAM_REQUEST.
	requestWait = 30 * time.Second
)

// Server relays chat streams between extension clients and the backend.
type Server struct {
	Auth     *Authenticator
	Producer Producer
	Limiter  *Limiter
	Usage    *UsageStore // optional
}

// Handler returns the HTTP handler exposing /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("relay listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warn("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	reqCtx, cancelWait := context.WithTimeout(r.Context(), requestWait)
	_, data, err := conn.Read(reqCtx)
	cancelWait()
	if err != nil {
		logger.Debug("connection closed before request", "err", err)
		return
	}

	msg, ok := envelope.Decode(data)
	if !ok {
		// Unrelated traffic; drop the connection without a protocol error.
		logger.Debug("undecodable message on background channel")
		return
	}
	req, ok := msg.(envelope.StreamRequest)
	if !ok {
		logger.Debug("unexpected message kind", "type", msg.MessageType())
		return
	}

	// Client disconnect mid-stream cancels the backend request.
	ctx := conn.CloseRead(r.Context())
	s.serveStream(ctx, conn, req)
}

func (s *Server) serveStream(ctx context.Context, conn *websocket.Conn, req envelope.StreamRequest) {
	userID, err := s.Auth.Verify(req.AuthToken, req.APIKey)
	if err != nil {
		logger.Info("stream rejected", "request_id", req.ReqID, "err", err)
		s.writeError(ctx, conn, req.ReqID, err.Error())
		s.record(StreamRecord{RequestID: req.ReqID, UserID: "anonymous", Model: req.Model, Outcome: "rejected"})
		return
	}

	if s.Limiter != nil && !s.Limiter.Allow(userID) {
		logger.Info("stream rate limited", "request_id", req.ReqID, "user", userID)
		s.writeError(ctx, conn, req.ReqID, "rate limit exceeded, try again shortly")
		s.record(StreamRecord{RequestID: req.ReqID, UserID: userID, Model: req.Model, Outcome: "rejected"})
		return
	}

	logger.Info("stream started", "request_id", req.ReqID, "user", userID, "model", req.Model)
	start := time.Now()

	res, err := s.Producer.Stream(ctx, ProducerRequest{
		APIKey:             req.APIKey,
		BackendURL:         req.BackendURL,
		Model:              req.Model,
		Input:              req.Input,
		Instructions:       req.Instructions,
		PreviousResponseID: req.PreviousResponseID,
	}, func(delta string) {
		s.write(ctx, conn, envelope.StreamDelta{ReqID: req.ReqID, Delta: delta})
	})

	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("stream cancelled by client", "request_id", req.ReqID, "user", userID)
			s.record(StreamRecord{RequestID: req.ReqID, UserID: userID, Model: req.Model, Outcome: "failed"})
			return
		}
		logger.Warn("stream failed", "request_id", req.ReqID, "user", userID, "err", err)
		s.writeError(ctx, conn, req.ReqID, err.Error())
		s.record(StreamRecord{RequestID: req.ReqID, UserID: userID, Model: req.Model, Outcome: "failed"})
		return
	}

	done := envelope.StreamDone{ReqID: req.ReqID, ResponseID: res.ResponseID, Usage: res.Usage}
	s.write(ctx, conn, done)
	logger.Info("stream completed",
		"request_id", req.ReqID, "user", userID, "elapsed", time.Since(start))

	rec := StreamRecord{RequestID: req.ReqID, UserID: userID, Model: req.Model, Outcome: "completed"}
	if res.Usage != nil {
		rec.PromptTokens = res.Usage.PromptTokens
		rec.CompletionTokens = res.Usage.CompletionTokens
		rec.TotalTokens = res.Usage.TotalTokens
	}
	s.record(rec)
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, msg envelope.Message) {
	data, err := envelope.Encode(msg)
	if err != nil {
		logger.Error("encode outbound message failed", "type", msg.MessageType(), "err", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		logger.Debug("outbound write failed", "type", msg.MessageType(), "err", err)
	}
}

func (s *Server) writeError(ctx context.Context, conn *websocket.Conn, requestID, reason string) {
	s.write(ctx, conn, envelope.StreamError{ReqID: requestID, Error: reason})
}

func (s *Server) record(r StreamRecord) {
	if s.Usage == nil {
		return
	}
	r.CreatedAt = time.Now()
	if err := s.Usage.Record(r); err != nil {
		logger.Warn("usage record failed", "request_id", r.RequestID, "err", err)
	}
}
