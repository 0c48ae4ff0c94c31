package docsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/collabhub/internal/crdt"
	"github.com/charlesng35/collabhub/internal/persistence"
	"github.com/charlesng35/collabhub/internal/realtime"
)

type syncServer struct {
	*httptest.Server
	registry *Registry
	store    *persistence.MemoryStore
	bridge   *persistence.Bridge
}

func newSyncServer(t *testing.T) *syncServer {
	t.Helper()

	store := persistence.NewMemoryStore(persistence.Options{Merge: crdt.MergeUpdates})
	bridge := persistence.NewBridge(store, persistence.BridgeOptions{})
	registry := NewRegistry(bridge, RegistryOptions{})
	handler := NewHandler(HandlerConfig{Registry: registry, Tracker: realtime.NewTracker()})
	upgrader := realtime.NewUpgrader(nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler.Serve(socket, r, Options{DocName: strings.TrimPrefix(r.URL.Path, "/"), GC: true})
	}))
	t.Cleanup(func() {
		srv.Close()
		_ = bridge.Close(context.Background())
	})
	return &syncServer{Server: srv, registry: registry, store: store, bridge: bridge}
}

func (s *syncServer) dial(t *testing.T, doc string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/"+doc, nil)
	require.NoError(t, err)
	return ws
}

func readSync(t *testing.T, ws *websocket.Conn) crdt.Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := crdt.ReadMessage(data)
	require.NoError(t, err)
	return msg
}

// readUntil skips frames until one with the given sync subtype arrives.
func readUntil(t *testing.T, ws *websocket.Conn, subType uint64) crdt.Message {
	t.Helper()
	for {
		if msg := readSync(t, ws); msg.Type == crdt.MessageSync && msg.SubType == subType {
			return msg
		}
	}
}

func TestServeSyncsUpdatesBetweenConnections(t *testing.T) {
	srv := newSyncServer(t)

	alice := srv.dial(t, "notes")
	defer alice.Close()
	require.Equal(t, crdt.SyncStep1, readSync(t, alice).SubType)

	bob := srv.dial(t, "notes")
	defer bob.Close()
	require.Equal(t, crdt.SyncStep1, readSync(t, bob).SubType)

	require.Eventually(t, func() bool {
		s, ok := srv.registry.Get("notes")
		return ok && s.PeerCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, crdt.EncodeSync(crdt.SyncUpdate, update(t, "hello"))))

	msg := readSync(t, bob)
	require.Equal(t, crdt.SyncUpdate, msg.SubType)
	require.Equal(t, []string{"hello"}, entriesOf(t, msg.Payload))

	// A step1 with an empty state vector is answered with the full document.
	empty, err := crdt.NewDoc().EncodeStateVector()
	require.NoError(t, err)
	require.NoError(t, bob.WriteMessage(websocket.BinaryMessage, crdt.EncodeSync(crdt.SyncStep1, empty)))
	reply := readSync(t, bob)
	require.Equal(t, crdt.SyncStep2, reply.SubType)
	require.Equal(t, []string{"hello"}, entriesOf(t, reply.Payload))
}

func TestServeRelaysAwarenessVerbatim(t *testing.T) {
	srv := newSyncServer(t)

	alice := srv.dial(t, "doc")
	defer alice.Close()
	readSync(t, alice)
	bob := srv.dial(t, "doc")
	defer bob.Close()
	readSync(t, bob)

	require.Eventually(t, func() bool {
		s, ok := srv.registry.Get("doc")
		return ok && s.PeerCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	frame := []byte{byte(crdt.MessageAwareness), 0x02, 'h', 'i'}
	require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, frame))

	_ = bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := bob.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, frame, data)
}

func TestServePersistsStateAfterLastDisconnect(t *testing.T) {
	srv := newSyncServer(t)

	ws := srv.dial(t, "report")
	readSync(t, ws)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, crdt.EncodeSync(crdt.SyncUpdate, update(t, "a", "b"))))
	require.Eventually(t, func() bool {
		s, ok := srv.registry.Get("report")
		return ok && s.Doc().Len() == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool { return srv.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return srv.store.Rows("report") == 1 }, 2*time.Second, 10*time.Millisecond)

	// Reopening restores the stored state.
	again := srv.dial(t, "report")
	defer again.Close()
	readSync(t, again)

	empty, err := crdt.NewDoc().EncodeStateVector()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := srv.registry.Get("report")
		if !ok {
			return false
		}
		select {
		case <-s.Loaded():
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, again.WriteMessage(websocket.BinaryMessage, crdt.EncodeSync(crdt.SyncStep1, empty)))
	reply := readUntil(t, again, crdt.SyncStep2)
	require.ElementsMatch(t, []string{"a", "b"}, entriesOf(t, reply.Payload))
}
