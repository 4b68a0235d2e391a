package bridge

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type inbound struct {
	conn  string
	event string
	data  string
}

type recordingHandler struct {
	mu     sync.Mutex
	opened map[string]url.Values
	events []inbound
	closed []string
	conns  chan *Conn
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{opened: map[string]url.Values{}, conns: make(chan *Conn, 4)}
}

func (h *recordingHandler) OnOpen(conn *Conn, query url.Values) {
	h.mu.Lock()
	h.opened[conn.ID()] = query
	h.mu.Unlock()
	h.conns <- conn
}

func (h *recordingHandler) OnEvent(conn *Conn, event string, data gjson.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, inbound{conn: conn.ID(), event: event, data: data.Raw})
}

func (h *recordingHandler) OnClose(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, conn.ID())
}

func (h *recordingHandler) snapshot() ([]inbound, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]inbound(nil), h.events...), append([]string(nil), h.closed...)
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	return ws
}

func TestHubRoundTrip(t *testing.T) {
	h := newRecordingHandler()
	hub := NewHub(h)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ws := dial(t, srv, "token=abc&userId=42")
	defer ws.Close()

	var conn *Conn
	select {
	case conn = <-h.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not opened")
	}
	h.mu.Lock()
	assert.Equal(t, "abc", h.opened[conn.ID()].Get("token"))
	assert.Equal(t, "42", h.opened[conn.ID()].Get("userId"))
	h.mu.Unlock()
	assert.Equal(t, 1, hub.Count())

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"data":{}}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"account","data":{"account":"0xabc","userId":"42"}}`)))

	assert.Eventually(t, func() bool {
		events, _ := h.snapshot()
		return len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)
	events, _ := h.snapshot()
	assert.Equal(t, "account", events[0].event)
	assert.Equal(t, "0xabc", gjson.Get(events[0].data, "account").String())

	require.NoError(t, conn.Emit("connectedAccount", map[string]string{"account": "0xabc"}))
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "connectedAccount", gjson.GetBytes(msg, "event").String())
	assert.Equal(t, "0xabc", gjson.GetBytes(msg, "data.account").String())
}

func TestHubClientDisconnectClosesOnce(t *testing.T) {
	h := newRecordingHandler()
	hub := NewHub(h)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ws := dial(t, srv, "")
	conn := <-h.conns
	require.NoError(t, ws.Close())

	assert.Eventually(t, func() bool {
		_, closed := h.snapshot()
		return len(closed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	conn.Close()
	_, closed := h.snapshot()
	assert.Equal(t, []string{conn.ID()}, closed)
	assert.Equal(t, 0, hub.Count())
	assert.ErrorIs(t, conn.Emit("x", nil), ErrClosed)
}

func TestHubKickDeliversLastEvent(t *testing.T) {
	h := newRecordingHandler()
	hub := NewHub(h)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ws := dial(t, srv, "")
	defer ws.Close()
	conn := <-h.conns
	conn.Kick("alreadyConnected", map[string]string{"error": "taken"})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "alreadyConnected", gjson.GetBytes(msg, "event").String())
	assert.Equal(t, "taken", gjson.GetBytes(msg, "data.error").String())

	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.Eventually(t, func() bool {
		_, closed := h.snapshot()
		return len(closed) == 1 && hub.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubStop(t *testing.T) {
	h := newRecordingHandler()
	hub := NewHub(h)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ws := dial(t, srv, "")
	defer ws.Close()
	conn := <-h.conns
	_, ok := hub.Get(conn.ID())
	assert.True(t, ok)

	hub.Stop()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	_, ok = hub.Get(conn.ID())
	assert.False(t, ok)
}
