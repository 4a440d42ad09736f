package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/chat-relay/backend/service"
	"github.com/adwski/chat-relay/backend/storage/memory"
	sw "github.com/adwski/chat-relay/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const readTimeout = 2 * time.Second

type announcement struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newTestServer(t *testing.T) (*httptest.Server, *memory.MemStore) {
	t.Helper()

	logger := zerolog.Nop()
	store := memory.NewMemStore()
	svc := service.NewService(service.Config{
		Registry: store,
		Switch:   sw.NewSwitch(sw.Config{Logger: &logger, Registry: store}),
		Logger:   &logger,
	})
	srv := NewServer(Config{Logger: &logger, Router: svc})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		ts.Close()
		srv.cancel()
	})
	return ts, store
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func receive(t *testing.T, conn *websocket.Conn, typ, payload string) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	var ann announcement
	require.NoError(t, conn.ReadJSON(&ann))
	require.Equal(t, typ, ann.Type)
	if payload != "" {
		require.JSONEq(t, payload, string(ann.Payload))
	}
}

func TestServer_Scenario(t *testing.T) {
	ts, _ := newTestServer(t)
	c1 := dial(t, ts, "/")
	c2 := dial(t, ts, "/ws")

	send(t, c1, `{"type":"create","payload":{"roomId":"r1","username":"alice"}}`)
	receive(t, c1, "roomCreated", `{"roomId":"r1"}`)

	send(t, c2, `{"type":"join","payload":{"roomId":"r1","username":"bob"}}`)
	receive(t, c2, "joined", `{"roomId":"r1"}`)
	receive(t, c1, "userJoined", `{"username":"bob"}`)

	send(t, c1, `{"type":"chat","payload":{"message":"hi"}}`)
	for _, c := range []*websocket.Conn{c1, c2} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(readTimeout)))
		var ann announcement
		require.NoError(t, c.ReadJSON(&ann))
		require.Equal(t, "chat", ann.Type)

		var msg struct {
			Text      string `json:"text"`
			Sender    string `json:"sender"`
			Timestamp int64  `json:"timestamp"`
		}
		require.NoError(t, json.Unmarshal(ann.Payload, &msg))
		require.Equal(t, "hi", msg.Text)
		require.Equal(t, "alice", msg.Sender)
		require.Positive(t, msg.Timestamp)
	}
}

func TestServer_InvalidMessageKeepsConnection(t *testing.T) {
	ts, _ := newTestServer(t)
	c := dial(t, ts, "/")

	send(t, c, `{{{`)
	receive(t, c, "error", `{"message":"Invalid message format"}`)

	send(t, c, `{"type":"join","payload":{"roomId":"missing","username":"bob"}}`)
	receive(t, c, "error", `{"message":"Room not found"}`)

	send(t, c, `{"type":"create","payload":{"roomId":"r1","username":"bob"}}`)
	receive(t, c, "roomCreated", `{"roomId":"r1"}`)
}

func TestServer_DisconnectCleanup(t *testing.T) {
	ts, store := newTestServer(t)
	c1 := dial(t, ts, "/")
	c2 := dial(t, ts, "/")

	send(t, c1, `{"type":"create","payload":{"roomId":"r1","username":"alice"}}`)
	receive(t, c1, "roomCreated", "")
	send(t, c2, `{"type":"join","payload":{"roomId":"r1","username":"bob"}}`)
	receive(t, c2, "joined", "")
	receive(t, c1, "userJoined", "")

	require.NoError(t, c2.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool {
		sessions, rooms := store.Stats()
		return sessions == 1 && rooms == 1
	}, readTimeout, 10*time.Millisecond)

	// remaining member still gets its own chat
	send(t, c1, `{"type":"chat","payload":{"message":"still here"}}`)
	receive(t, c1, "chat", "")

	require.NoError(t, c1.Close())
	require.Eventually(t, func() bool {
		sessions, rooms := store.Stats()
		return sessions == 0 && rooms == 0
	}, readTimeout, 10*time.Millisecond)
}

func TestConn_Send(t *testing.T) {
	c := &conn{
		id:   "c1",
		tx:   make(chan []byte, 1),
		done: make(chan struct{}),
	}

	require.NoError(t, c.Send(context.Background(), []byte("a")))

	// queue is full
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Send(ctx, []byte("b")), context.DeadlineExceeded)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Send(context.Background(), []byte("c")), ErrConnClosed)
}

func TestConn_ConcurrentCloseAndSend(t *testing.T) {
	c := &conn{
		id:   "c1",
		tx:   make(chan []byte, 8),
		done: make(chan struct{}),
	}

	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = c.Send(context.Background(), []byte("x"))
		}
	}()
	go func() {
		defer wg.Done()
		_ = c.Close()
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(readTimeout):
		t.Fatal("send blocked after close")
	}
}
