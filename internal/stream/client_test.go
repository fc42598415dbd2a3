package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/envelope"
)

// newTestRelay starts a websocket server that invokes handler with the
// decoded stream request and a write function.
func newTestRelay(t *testing.T, handler func(conn *websocket.Conn, req envelope.StreamRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Logf("accept: %v", err)
			return
		}
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		msg, ok := envelope.Decode(data)
		if !ok {
			t.Logf("relay got undecodable request")
			return
		}
		req, ok := msg.(envelope.StreamRequest)
		if !ok {
			t.Logf("relay got %T, want StreamRequest", msg)
			return
		}
		handler(conn, req)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg envelope.Message) {
	t.Helper()
	data, err := envelope.Encode(msg)
	if err != nil {
		t.Fatalf("encode %T: %v", msg, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("write %T: %v", msg, err)
	}
}

func TestSendAccumulatesDeltasInOrder(t *testing.T) {
	deltas := []string{"The ", "answer ", "is ", "C."}
	srv := newTestRelay(t, func(conn *websocket.Conn, req envelope.StreamRequest) {
		for _, d := range deltas {
			writeMsg(t, conn, envelope.StreamDelta{ReqID: req.ReqID, Delta: d})
		}
		writeMsg(t, conn, envelope.StreamDone{
			ReqID:      req.ReqID,
			ResponseID: "resp_1",
			Usage:      &envelope.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
		})
	})
	defer srv.Close()

	c := &Client{RelayURL: wsURL(srv)}
	var got []string
	res, err := c.Send(context.Background(), Request{Model: "gpt-4o-mini", Input: "q"}, func(d string) {
		got = append(got, d)
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := strings.Join(deltas, "")
	if res.Text != want {
		t.Errorf("Text = %q, want %q", res.Text, want)
	}
	if strings.Join(got, "") != want {
		t.Errorf("deltas seen = %v, want concatenation %q", got, want)
	}
	if res.ResponseID != "resp_1" {
		t.Errorf("ResponseID = %q, want resp_1", res.ResponseID)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 7 {
		t.Errorf("Usage = %+v", res.Usage)
	}
}

func TestSendRelayUnavailable(t *testing.T) {
	c := &Client{RelayURL: "ws://127.0.0.1:1/ws"}
	_, err := c.Send(context.Background(), Request{Input: "q"}, nil)
	if !errors.Is(err, ErrRelayUnavailable) {
		t.Errorf("err = %v, want ErrRelayUnavailable", err)
	}
}

func TestSendStreamError(t *testing.T) {
	srv := newTestRelay(t, func(conn *websocket.Conn, req envelope.StreamRequest) {
		writeMsg(t, conn, envelope.StreamError{ReqID: req.ReqID, Error: "backend said no"})
	})
	defer srv.Close()

	c := &Client{RelayURL: wsURL(srv)}
	_, err := c.Send(context.Background(), Request{Input: "q"}, nil)
	if err == nil || !strings.Contains(err.Error(), "backend said no") {
		t.Errorf("err = %v, want relay error with reason", err)
	}
}

func TestSendChannelClosed(t *testing.T) {
	srv := newTestRelay(t, func(conn *websocket.Conn, req envelope.StreamRequest) {
		writeMsg(t, conn, envelope.StreamDelta{ReqID: req.ReqID, Delta: "partial"})
		conn.Close(websocket.StatusInternalError, "relay crashed")
	})
	defer srv.Close()

	c := &Client{RelayURL: wsURL(srv)}
	_, err := c.Send(context.Background(), Request{Input: "q"}, nil)
	if !errors.Is(err, ErrChannelClosed) {
		t.Errorf("err = %v, want ErrChannelClosed", err)
	}
}

func TestSendWatchdog(t *testing.T) {
	srv := newTestRelay(t, func(conn *websocket.Conn, req envelope.StreamRequest) {
		// Never send a terminal message.
		time.Sleep(2 * time.Second)
	})
	defer srv.Close()

	c := &Client{RelayURL: wsURL(srv), Watchdog: 200 * time.Millisecond}
	start := time.Now()
	_, err := c.Send(context.Background(), Request{Input: "q"}, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("watchdog took %v, want ~200ms", time.Since(start))
	}
}

func TestSecondSendCancelsFirst(t *testing.T) {
	firstStarted := make(chan string, 1)
	release := make(chan struct{})
	var relayMu sync.Mutex
	conns := map[string]*websocket.Conn{}

	srv := newTestRelay(t, func(conn *websocket.Conn, req envelope.StreamRequest) {
		relayMu.Lock()
		first := len(conns) == 0
		conns[req.ReqID] = conn
		relayMu.Unlock()

		if first {
			writeMsg(t, conn, envelope.StreamDelta{ReqID: req.ReqID, Delta: "first-"})
			firstStarted <- req.ReqID
			<-release
			// Late terminal for the superseded request: must be ignored.
			writeMsg(t, conn, envelope.StreamDone{ReqID: req.ReqID, ResponseID: "stale"})
			return
		}
		writeMsg(t, conn, envelope.StreamDelta{ReqID: req.ReqID, Delta: "second"})
		writeMsg(t, conn, envelope.StreamDone{ReqID: req.ReqID, ResponseID: "resp_2"})
	})
	defer srv.Close()

	c := &Client{RelayURL: wsURL(srv)}

	var cb1Mu sync.Mutex
	var cb1AfterCancel bool
	cancelled := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), Request{Input: "one"}, func(d string) {
			select {
			case <-cancelled:
				cb1Mu.Lock()
				cb1AfterCancel = true
				cb1Mu.Unlock()
			default:
			}
		})
		firstDone <- err
	}()

	<-firstStarted

	res, err := c.Send(context.Background(), Request{Input: "two"}, nil)
	close(cancelled)
	close(release)
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if res.ResponseID != "resp_2" {
		t.Errorf("second ResponseID = %q, want resp_2", res.ResponseID)
	}

	select {
	case err := <-firstDone:
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("first Send err = %v, want ErrSuperseded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first Send never returned after cancellation")
	}

	cb1Mu.Lock()
	defer cb1Mu.Unlock()
	if cb1AfterCancel {
		t.Error("first callback fired after the second Send started")
	}
}

func TestCancelWaitsForInFlightDeltaCallback(t *testing.T) {
	srv := newTestRelay(t, func(conn *websocket.Conn, req envelope.StreamRequest) {
		for i := 0; i < 50; i++ {
			writeMsg(t, conn, envelope.StreamDelta{ReqID: req.ReqID, Delta: "x"})
		}
		time.Sleep(2 * time.Second)
	})
	defer srv.Close()

	c := &Client{RelayURL: wsURL(srv)}

	inCallback := make(chan struct{})
	holdCallback := make(chan struct{})
	var cbMu sync.Mutex
	var cbAfterCancel bool
	cancelReturned := make(chan struct{})
	var entered bool

	sendDone := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), Request{Input: "q"}, func(d string) {
			if !entered {
				entered = true
				close(inCallback)
				<-holdCallback
				return
			}
			select {
			case <-cancelReturned:
				cbMu.Lock()
				cbAfterCancel = true
				cbMu.Unlock()
			default:
			}
		})
		sendDone <- err
	}()

	<-inCallback
	go func() {
		c.Cancel()
		close(cancelReturned)
	}()

	// Cancel must not return while a delta callback is still running.
	select {
	case <-cancelReturned:
		t.Fatal("Cancel returned while a delta callback was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(holdCallback)
	select {
	case <-cancelReturned:
	case <-time.After(5 * time.Second):
		t.Fatal("Cancel never returned after the callback finished")
	}

	select {
	case err := <-sendDone:
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("Send err = %v, want ErrSuperseded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send never returned after Cancel")
	}

	cbMu.Lock()
	defer cbMu.Unlock()
	if cbAfterCancel {
		t.Error("delta callback fired after Cancel returned")
	}
}

func TestStaleRequestIDIgnored(t *testing.T) {
	srv := newTestRelay(t, func(conn *websocket.Conn, req envelope.StreamRequest) {
		// Deltas and a Done for some other request must not settle this one.
		writeMsg(t, conn, envelope.StreamDelta{ReqID: "other", Delta: "noise"})
		writeMsg(t, conn, envelope.StreamDone{ReqID: "other", ResponseID: "noise"})
		writeMsg(t, conn, envelope.StreamDelta{ReqID: req.ReqID, Delta: "real"})
		writeMsg(t, conn, envelope.StreamDone{ReqID: req.ReqID, ResponseID: "resp_ok"})
	})
	defer srv.Close()

	c := &Client{RelayURL: wsURL(srv)}
	res, err := c.Send(context.Background(), Request{Input: "q"}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Text != "real" {
		t.Errorf("Text = %q, want %q", res.Text, "real")
	}
	if res.ResponseID != "resp_ok" {
		t.Errorf("ResponseID = %q, want resp_ok", res.ResponseID)
	}
}
