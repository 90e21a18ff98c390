package cancellation

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
)

// cancelEndpoint records every frame received on /ai_cancel and reports when
// the client side closes.
type cancelEndpoint struct {
	frames chan Frame
	closed chan struct{}
}

func newCancelEndpoint(t *testing.T) (*cancelEndpoint, string) {
	t.Helper()
	ep := &cancelEndpoint{
		frames: make(chan Frame, 64),
		closed: make(chan struct{}, 8),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				ep.closed <- struct{}{}
				return
			}
			var f Frame
			if json.Unmarshal(data, &f) == nil {
				ep.frames <- f
			}
		}
	}))
	t.Cleanup(srv.Close)
	return ep, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ai_cancel"
}

func (ep *cancelEndpoint) nextFrame(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-ep.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return Frame{}
	}
}

func TestSendWritesCancelFrameAndCloses(t *testing.T) {
	ep, url := newCancelEndpoint(t)
	ch := New(Config{URL: url, ConnectTimeout: time.Second, Linger: 100 * time.Millisecond}, logger.Nop())

	require.NoError(t, ch.Send(context.Background(), "req1"))

	assert.Equal(t, Frame{Type: "ai_cancel", ID: "req1"}, ep.nextFrame(t))

	select {
	case <-ep.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("socket was not closed after linger")
	}
}

func TestKeepAliveWhileOpen(t *testing.T) {
	ep, url := newCancelEndpoint(t)
	ch := New(Config{
		URL:            url,
		ConnectTimeout: time.Second,
		Linger:         400 * time.Millisecond,
		KeepAlive:      50 * time.Millisecond,
	}, logger.Nop())

	require.NoError(t, ch.Send(context.Background(), "req2"))

	assert.Equal(t, "ai_cancel", ep.nextFrame(t).Type)
	assert.Equal(t, KeepAliveFrame(), ep.nextFrame(t))

	<-ep.closed

	// Nothing further once the socket is gone.
	select {
	case f := <-ep.frames:
		if f.Type == "ai_cancel" {
			t.Fatalf("unexpected frame after close: %+v", f)
		}
	default:
	}
}

func TestSendReplacesOpenSocket(t *testing.T) {
	ep, url := newCancelEndpoint(t)
	ch := New(Config{URL: url, ConnectTimeout: time.Second, Linger: time.Minute}, logger.Nop())
	t.Cleanup(ch.Close)

	require.NoError(t, ch.Send(context.Background(), "first"))
	assert.Equal(t, "first", ep.nextFrame(t).ID)

	require.NoError(t, ch.Send(context.Background(), "second"))

	select {
	case <-ep.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("previous socket was not closed")
	}
	assert.Equal(t, "second", ep.nextFrame(t).ID)
}

func TestConnectTimeoutIsBounded(t *testing.T) {
	// A listener that accepts TCP but never completes the websocket handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	ch := New(Config{URL: "ws://" + ln.Addr().String() + "/ai_cancel", ConnectTimeout: 150 * time.Millisecond}, logger.Nop())

	start := time.Now()
	err = ch.Send(context.Background(), "req3")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSendRequiresRequestID(t *testing.T) {
	ch := New(Config{URL: "ws://127.0.0.1:1/ai_cancel"}, logger.Nop())
	assert.ErrorIs(t, ch.Send(context.Background(), ""), ErrNoRequest)
}

func TestFrameEncoding(t *testing.T) {
	b, err := json.Marshal(CancelFrame("abc"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ai_cancel","id":"abc"}`, string(b))

	b, err = json.Marshal(KeepAliveFrame())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"keep-alive"}`, string(b))
}
