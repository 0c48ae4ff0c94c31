package signaling

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/collabhub/internal/monitoring"
	"github.com/charlesng35/collabhub/internal/realtime"
	"github.com/charlesng35/collabhub/pkg/logger"
)

const (
	defaultPrefix       = "/peerjs"
	defaultKey          = "peerjs"
	defaultAliveTimeout = 60 * time.Second
)

// PeerJS message types.
const (
	MessageOpen      = "OPEN"
	MessageIDTaken   = "ID-TAKEN"
	MessageError     = "ERROR"
	MessageHeartbeat = "HEARTBEAT"
	MessageOffer     = "OFFER"
	MessageAnswer    = "ANSWER"
	MessageCandidate = "CANDIDATE"
	MessageLeave     = "LEAVE"
	MessageExpire    = "EXPIRE"
)

// PeerMessage is one PeerJS frame. Payloads are forwarded untouched.
type PeerMessage struct {
	Type    string          `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PeerOptions configure a PeerServer.
type PeerOptions struct {
	// Prefix is the mount path, default /peerjs.
	Prefix         string
	Key            string
	AllowDiscovery bool
	AliveTimeout   time.Duration
	AllowedOrigins []string
	SendBuffer     int
	Tracker        *realtime.Tracker

	OnConnect    func(peerID string)
	OnDisconnect func(peerID string)
}

type peerClient struct {
	id       string
	token    string
	conn     *realtime.Conn
	lastSeen atomic.Int64
}

func (p *peerClient) touch(now time.Time) { p.lastSeen.Store(now.UnixNano()) }

// PeerServer brokers PeerJS signaling messages between registered peers.
type PeerServer struct {
	opts     PeerOptions
	upgrader *websocket.Upgrader
	log      *zap.Logger

	mu    sync.Mutex
	peers map[string]*peerClient
}

// NewPeerServer builds a broker with defaults applied.
func NewPeerServer(opts PeerOptions) *PeerServer {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	opts.Prefix = "/" + strings.Trim(opts.Prefix, "/")
	if opts.Key == "" {
		opts.Key = defaultKey
	}
	if opts.AliveTimeout <= 0 {
		opts.AliveTimeout = defaultAliveTimeout
	}
	return &PeerServer{
		opts:     opts,
		upgrader: realtime.NewUpgrader(opts.AllowedOrigins),
		log:      logger.WithModule("peerjs"),
		peers:    make(map[string]*peerClient),
	}
}

// Prefix returns the mount path.
func (s *PeerServer) Prefix() string { return s.opts.Prefix }

// ServeHTTP handles every request under the prefix: websocket registration, id allocation
// and peer discovery.
func (s *PeerServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveSocket(w, r)
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, s.opts.Prefix), "/")
	switch {
	case rest == "":
		writeJSON(w, http.StatusOK, map[string]string{
			"name":        "PeerJS Server",
			"description": "A server side element to broker connections between PeerJS clients.",
		})
	case rest == s.opts.Key+"/id":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(s.newID()))
	case rest == s.opts.Key+"/peers":
		if !s.opts.AllowDiscovery {
			http.Error(w, "peer discovery disabled", http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, s.Peers())
	default:
		http.NotFound(w, r)
	}
}

func (s *PeerServer) newID() string {
	for {
		id := uuid.NewString()
		s.mu.Lock()
		_, taken := s.peers[id]
		s.mu.Unlock()
		if !taken {
			return id
		}
	}
}

func (s *PeerServer) serveSocket(w http.ResponseWriter, r *http.Request) {
	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("peer upgrade failed", zap.Error(err))
		return
	}

	conn := realtime.NewConn(socket, realtime.RemoteLabel(r), realtime.ConnOptions{SendBuffer: s.opts.SendBuffer})
	if s.opts.Tracker != nil {
		s.opts.Tracker.Add(conn)
	}
	monitoring.RecordConnection(monitoring.SubprotocolSignaling, 1)
	defer monitoring.RecordConnection(monitoring.SubprotocolSignaling, -1)

	query := r.URL.Query()
	key, id, token := query.Get("key"), query.Get("id"), query.Get("token")

	var client *peerClient
	switch {
	case key != s.opts.Key:
		s.reject(conn, MessageError, "Invalid key provided")
	case id == "" || token == "":
		s.reject(conn, MessageError, "No id, token, or key supplied to websocket server")
	default:
		client = s.register(conn, id, token)
	}

	err = conn.Run(func(kind int, data []byte) {
		if client == nil || kind != websocket.TextMessage {
			return
		}
		s.handle(client, data)
	})
	if client != nil {
		s.unregister(client)
	}
	if err != nil {
		s.log.Debug("peer connection closed", zap.String("peer", id), zap.Error(err))
	}
}

// reject sends a terminal message and closes once the writer has flushed it.
func (s *PeerServer) reject(conn *realtime.Conn, kind, msg string) {
	_ = conn.CloseWithJSON(PeerMessage{Type: kind, Payload: errorPayload(msg)})
}

// register claims id for conn. A reconnect with the same token replaces the previous socket;
// any other token gets ID-TAKEN.
func (s *PeerServer) register(conn *realtime.Conn, id, token string) *peerClient {
	s.mu.Lock()
	existing, ok := s.peers[id]
	if ok && existing.token != token {
		s.mu.Unlock()
		s.reject(conn, MessageIDTaken, "ID is taken")
		return nil
	}
	client := &peerClient{id: id, token: token, conn: conn}
	client.touch(time.Now())
	s.peers[id] = client
	s.mu.Unlock()

	if ok {
		existing.conn.Close()
	} else {
		monitoring.AdjustSignalingPeers(1)
		if s.opts.OnConnect != nil {
			s.opts.OnConnect(id)
		}
	}

	s.log.Info("peer connected", zap.String("peer", id), zap.String("remote", conn.Remote()))
	_ = conn.SendJSON(PeerMessage{Type: MessageOpen})
	return client
}

func (s *PeerServer) unregister(client *peerClient) {
	s.mu.Lock()
	current, ok := s.peers[client.id]
	owned := ok && current == client
	if owned {
		delete(s.peers, client.id)
	}
	s.mu.Unlock()

	if !owned {
		return
	}
	monitoring.AdjustSignalingPeers(-1)
	s.log.Info("peer disconnected", zap.String("peer", client.id))
	if s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect(client.id)
	}
}

func (s *PeerServer) handle(client *peerClient, data []byte) {
	client.touch(time.Now())

	var msg PeerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug("ignoring malformed peer message", zap.String("peer", client.id), zap.Error(err))
		return
	}
	monitoring.RecordSignalingMessage(strings.ToLower(msg.Type))

	switch msg.Type {
	case MessageHeartbeat:
	case MessageOffer, MessageAnswer, MessageCandidate, MessageLeave, MessageExpire:
		s.forward(client, msg)
	default:
		s.log.Debug("unsupported peer message", zap.String("peer", client.id), zap.String("type", msg.Type))
	}
}

func (s *PeerServer) forward(from *peerClient, msg PeerMessage) {
	msg.Src = from.id

	s.mu.Lock()
	dst, ok := s.peers[msg.Dst]
	s.mu.Unlock()

	if ok {
		if err := dst.conn.SendJSON(msg); err == nil {
			return
		}
	}
	if msg.Type == MessageLeave || msg.Type == MessageExpire || msg.Dst == "" {
		return
	}
	_ = from.conn.SendJSON(PeerMessage{Type: MessageExpire, Src: msg.Dst, Dst: from.id})
}

// Peers lists the registered peer ids in sorted order.
func (s *PeerServer) Peers() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Len reports the number of registered peers.
func (s *PeerServer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// ExpireStale closes peers silent for longer than the alive timeout and returns how many.
func (s *PeerServer) ExpireStale(now time.Time) int {
	cutoff := now.Add(-s.opts.AliveTimeout).UnixNano()

	var stale []*peerClient
	s.mu.Lock()
	for _, p := range s.peers {
		if p.lastSeen.Load() < cutoff {
			stale = append(stale, p)
		}
	}
	s.mu.Unlock()

	for _, p := range stale {
		s.log.Info("expiring silent peer", zap.String("peer", p.id))
		p.conn.Close()
	}
	return len(stale)
}

func errorPayload(msg string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"msg": msg})
	return data
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
