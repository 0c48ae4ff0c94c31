package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	iauth "github.com/charlesng35/collabhub/internal/auth"
	"github.com/charlesng35/collabhub/internal/docsync"
	"github.com/charlesng35/collabhub/internal/monitoring"
)

type fakeDocuments struct {
	mu      sync.Mutex
	opened  []docsync.Options
	release chan struct{}
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{release: make(chan struct{})}
}

func (f *fakeDocuments) Serve(socket *websocket.Conn, _ *http.Request, opts docsync.Options) {
	f.mu.Lock()
	f.opened = append(f.opened, opts)
	f.mu.Unlock()

	<-f.release
	_ = socket.Close()
}

func (f *fakeDocuments) Opened() []docsync.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]docsync.Options(nil), f.opened...)
}

func upgradeRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	return req
}

func newTestRouter(t *testing.T, cfg Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if cfg.Documents == nil {
		cfg.Documents = newFakeDocuments()
	}
	r, err := NewRouter(cfg)
	require.NoError(t, err)
	return r
}

func TestClassify(t *testing.T) {
	c := Classifier{SignalingPrefix: "/peerjs", ChatPrefix: "/socket.io/"}

	cases := []struct {
		path  string
		route Route
		doc   string
	}{
		{"/peerjs/peerjs/id", RouteSignaling, ""},
		{"/peerjs", RouteSignaling, ""},
		{"/socket.io/", RouteChat, ""},
		{"/doc-1", RouteDocSync, "doc-1"},
		{"/team/notes", RouteDocSync, "team/notes"},
		{"/socket.io", RouteDocSync, "socket.io"},
		{"/", RouteDocSync, ""},
	}
	for _, tc := range cases {
		route, doc := c.Classify(tc.path)
		require.Equal(t, tc.route, route, tc.path)
		require.Equal(t, tc.doc, doc, tc.path)
	}
	require.Equal(t, monitoring.SubprotocolSignaling, RouteSignaling.String())
}

func TestNewRouterRequiresDocumentHandler(t *testing.T) {
	_, err := NewRouter(Config{})
	require.Error(t, err)
}

func TestPlainRequestsGetBanner(t *testing.T) {
	r := newTestRouter(t, Config{})

	for _, target := range []string{"/", "/some-doc", "/socket.io/?EIO=4"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusOK, w.Code, target)
		require.Equal(t, Banner, w.Body.String())
		require.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	}
}

func TestPreflightReturnsEmptyOK(t *testing.T) {
	r := newTestRouter(t, Config{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/any/path", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Body.String())
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestEmptyDocumentIDRejected(t *testing.T) {
	docs := newFakeDocuments()
	r := newTestRouter(t, Config{Documents: docs})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, upgradeRequest(http.MethodGet, "/"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "DOCUMENT_ID_REQUIRED")
	require.Empty(t, docs.Opened())
}

func TestSignalingRequestsDelegated(t *testing.T) {
	var hits []string
	signaling := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		_, _ = w.Write([]byte("peer-id"))
	})
	r := newTestRouter(t, Config{Signaling: signaling})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/peerjs/peerjs/id", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "peer-id", w.Body.String())
	require.Equal(t, []string{"/peerjs/peerjs/id"}, hits)
}

func TestChatUpgradeCountedWhileServed(t *testing.T) {
	counter := &Counter{}
	var during int64
	chat := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = counter.Load()
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	r := newTestRouter(t, Config{Chat: chat, Connections: counter})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, upgradeRequest(http.MethodGet, "/socket.io/?EIO=4&transport=websocket"))
	require.Equal(t, int64(1), during)
	require.Equal(t, int64(0), counter.Load())
}

func TestDocumentUpgradeTrackedByHealth(t *testing.T) {
	docs := newFakeDocuments()
	counter := &Counter{}
	r := newTestRouter(t, Config{Documents: docs, Connections: counter, GC: true, PingTimeout: time.Second})

	srv := httptest.NewServer(r)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/notes-1?room=x", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return counter.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, "ok", status.Status)
	require.Equal(t, int64(1), status.Connections)
	require.NotZero(t, status.Memory.Sys)

	opened := docs.Opened()
	require.Len(t, opened, 1)
	require.Equal(t, docsync.Options{DocName: "notes-1", GC: true, PingTimeout: time.Second}, opened[0])

	close(docs.release)
	require.Eventually(t, func() bool { return counter.Load() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestUpgradeOnHealthPathIsDocument(t *testing.T) {
	docs := newFakeDocuments()
	close(docs.release)
	r := newTestRouter(t, Config{Documents: docs})

	srv := httptest.NewServer(r)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/health", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return len(docs.Opened()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "health", docs.Opened()[0].DocName)
}

func TestDocumentAccessRestrictedByToken(t *testing.T) {
	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "gateway-secret", Issuer: "test"})
	require.NoError(t, err)
	token, err := jwtSvc.GenerateAccessToken(iauth.AccessTokenInput{UserID: "u1", Documents: []string{"allowed"}})
	require.NoError(t, err)

	docs := newFakeDocuments()
	r := newTestRouter(t, Config{Documents: docs, JWT: jwtSvc})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, upgradeRequest(http.MethodGet, "/other"))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := upgradeRequest(http.MethodGet, "/other")
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "FORBIDDEN")

	// plain requests are never gated
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/other", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, docs.Opened())
}

func TestReadinessReflectsChecks(t *testing.T) {
	mon, err := monitoring.NewModule(monitoring.Options{DisableGoCollector: true, DisableProcessCollector: true})
	require.NoError(t, err)
	mon.Health().RegisterReadiness(monitoring.NewCheck("store", func(context.Context) monitoring.ProbeResult {
		return monitoring.ResultFromError("store", errors.New("unreachable"), 0)
	}))

	r := newTestRouter(t, Config{Monitoring: mon})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), "unreachable")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/summary", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"success":true`)
}

func TestProbesDisabledWithoutMonitoring(t *testing.T) {
	r := newTestRouter(t, Config{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), "disabled")
}
