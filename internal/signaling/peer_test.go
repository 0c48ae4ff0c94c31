package signaling

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type hookLog struct {
	mu     sync.Mutex
	events []string
}

func (h *hookLog) add(e string) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
}

func (h *hookLog) list() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func newPeerServer(t *testing.T, opts PeerOptions) (*PeerServer, *httptest.Server) {
	t.Helper()
	server := NewPeerServer(opts)
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)
	return server, srv
}

func connectPeer(t *testing.T, srv *httptest.Server, key, id, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/peerjs/peerjs?key=" + key + "&id=" + id + "&token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readPeerMessage(t *testing.T, ws *websocket.Conn) PeerMessage {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg PeerMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestIDEndpointIssuesUniqueIDs(t *testing.T) {
	_, srv := newPeerServer(t, PeerOptions{})

	get := func() string {
		resp, err := http.Get(srv.URL + "/peerjs/peerjs/id")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	first, second := get(), get()
	require.NotEmpty(t, first)
	require.NotEqual(t, first, second)

	resp, err := http.Get(srv.URL + "/peerjs/wrong-key/id")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPeersEndpointHonoursDiscovery(t *testing.T) {
	_, closed := newPeerServer(t, PeerOptions{})
	resp, err := http.Get(closed.URL + "/peerjs/peerjs/peers")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	server, open := newPeerServer(t, PeerOptions{AllowDiscovery: true})
	ws := connectPeer(t, open, "peerjs", "p1", "t1")
	require.Equal(t, MessageOpen, readPeerMessage(t, ws).Type)
	require.Equal(t, 1, server.Len())

	resp, err = http.Get(open.URL + "/peerjs/peerjs/peers")
	require.NoError(t, err)
	defer resp.Body.Close()
	var peers []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peers))
	require.Equal(t, []string{"p1"}, peers)
}

func TestOfferIsForwardedWithSource(t *testing.T) {
	_, srv := newPeerServer(t, PeerOptions{})
	a := connectPeer(t, srv, "peerjs", "a", "ta")
	b := connectPeer(t, srv, "peerjs", "b", "tb")
	readPeerMessage(t, a)
	readPeerMessage(t, b)

	require.NoError(t, a.WriteJSON(PeerMessage{Type: MessageOffer, Dst: "b", Payload: json.RawMessage(`{"sdp":"x"}`)}))

	msg := readPeerMessage(t, b)
	require.Equal(t, MessageOffer, msg.Type)
	require.Equal(t, "a", msg.Src)
	require.Equal(t, "b", msg.Dst)
	require.JSONEq(t, `{"sdp":"x"}`, string(msg.Payload))
}

func TestUnknownDestinationExpires(t *testing.T) {
	_, srv := newPeerServer(t, PeerOptions{})
	a := connectPeer(t, srv, "peerjs", "a", "ta")
	readPeerMessage(t, a)

	require.NoError(t, a.WriteJSON(PeerMessage{Type: MessageCandidate, Dst: "ghost"}))
	msg := readPeerMessage(t, a)
	require.Equal(t, MessageExpire, msg.Type)
	require.Equal(t, "ghost", msg.Src)
	require.Equal(t, "a", msg.Dst)
}

func TestIDTakenWithDifferentToken(t *testing.T) {
	_, srv := newPeerServer(t, PeerOptions{})
	first := connectPeer(t, srv, "peerjs", "dup", "one")
	readPeerMessage(t, first)

	second := connectPeer(t, srv, "peerjs", "dup", "two")
	require.Equal(t, MessageIDTaken, readPeerMessage(t, second).Type)
}

func TestInvalidKeyIsRejected(t *testing.T) {
	_, srv := newPeerServer(t, PeerOptions{})
	ws := connectPeer(t, srv, "nope", "a", "t")
	msg := readPeerMessage(t, ws)
	require.Equal(t, MessageError, msg.Type)
	require.Contains(t, string(msg.Payload), "Invalid key")
}

func TestHooksAndExpiry(t *testing.T) {
	hooks := &hookLog{}
	server, srv := newPeerServer(t, PeerOptions{
		AliveTimeout: time.Minute,
		OnConnect:    func(id string) { hooks.add("connect:" + id) },
		OnDisconnect: func(id string) { hooks.add("disconnect:" + id) },
	})
	ws := connectPeer(t, srv, "peerjs", "quiet", "t")
	readPeerMessage(t, ws)

	require.Zero(t, server.ExpireStale(time.Now()))
	require.Equal(t, 1, server.ExpireStale(time.Now().Add(2*time.Minute)))

	require.Eventually(t, func() bool { return server.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"connect:quiet", "disconnect:quiet"}, hooks.list())
}

func TestHeartbeatKeepsPeerAlive(t *testing.T) {
	server, srv := newPeerServer(t, PeerOptions{AliveTimeout: 200 * time.Millisecond})
	ws := connectPeer(t, srv, "peerjs", "beating", "t")
	readPeerMessage(t, ws)

	lastSeen := func() int64 {
		server.mu.Lock()
		defer server.mu.Unlock()
		return server.peers["beating"].lastSeen.Load()
	}
	registered := lastSeen()

	time.Sleep(250 * time.Millisecond)
	require.NoError(t, ws.WriteJSON(PeerMessage{Type: MessageHeartbeat}))
	require.Eventually(t, func() bool { return lastSeen() > registered }, time.Second, 10*time.Millisecond)

	require.Zero(t, server.ExpireStale(time.Now()))
	require.Equal(t, 1, server.Len())
}
