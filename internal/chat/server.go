// Package chat serves the room-scoped chat and presence subprotocol. Every connection's read
// loop pushes its events onto one channel consumed by a single dispatcher goroutine, so room
// state changes are applied in arrival order.
package chat

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/collabhub/internal/monitoring"
	"github.com/charlesng35/collabhub/internal/realtime"
	"github.com/charlesng35/collabhub/internal/rooms"
	"github.com/charlesng35/collabhub/internal/signaling"
	"github.com/charlesng35/collabhub/pkg/logger"
)

const defaultQueueSize = 1024

// Config wires a chat server.
type Config struct {
	Engine *rooms.Engine
	Relay  *signaling.Relay
	// Archive is optional.
	Archive        *Archive
	Tracker        *realtime.Tracker
	AllowedOrigins []string
	SendBuffer     int
	QueueSize      int
}

type event struct {
	client     *Client
	frame      Frame
	disconnect bool
}

// Server accepts chat websocket connections.
type Server struct {
	engine     *rooms.Engine
	relay      *signaling.Relay
	archive    *Archive
	tracker    *realtime.Tracker
	upgrader   *websocket.Upgrader
	sendBuffer int
	log        *zap.Logger

	events  chan event
	stopped chan struct{}
}

// NewServer builds a chat server. Run must be started before connections are served.
func NewServer(cfg Config) *Server {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	relay := cfg.Relay
	if relay == nil {
		relay = signaling.NewRelay(cfg.Engine)
	}
	return &Server{
		engine:     cfg.Engine,
		relay:      relay,
		archive:    cfg.Archive,
		tracker:    cfg.Tracker,
		upgrader:   realtime.NewUpgrader(cfg.AllowedOrigins),
		sendBuffer: cfg.SendBuffer,
		log:        logger.WithModule("chat"),
		events:     make(chan event, cfg.QueueSize),
		stopped:    make(chan struct{}),
	}
}

// Run dispatches events until ctx is done.
func (s *Server) Run(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("chat upgrade failed", zap.Error(err))
		return
	}

	conn := realtime.NewConn(socket, realtime.RemoteLabel(r), realtime.ConnOptions{SendBuffer: s.sendBuffer})
	if s.tracker != nil {
		s.tracker.Add(conn)
	}
	client := newClient(conn)

	monitoring.RecordConnection(monitoring.SubprotocolChat, 1)
	defer monitoring.RecordConnection(monitoring.SubprotocolChat, -1)

	log := s.log.With(zap.String("connection", client.ID()), zap.String("remote", conn.Remote()))
	log.Debug("chat client connected")

	err = conn.Run(func(kind int, data []byte) {
		if kind != websocket.TextMessage {
			return
		}
		frame, err := ParseFrame(data)
		if err != nil {
			log.Debug("ignoring chat frame", zap.Error(err))
			return
		}
		s.push(event{client: client, frame: frame})
	})
	if err != nil {
		log.Debug("chat connection closed", zap.Error(err))
	}
	s.push(event{client: client, disconnect: true})
	log.Debug("chat client disconnected")
}

func (s *Server) push(ev event) {
	select {
	case s.events <- ev:
	case <-s.stopped:
	}
}

func (s *Server) dispatch(ev event) {
	c := ev.client
	if ev.disconnect {
		s.relay.Disconnect(c.ID())
		s.engine.LeaveAll(c.ID(), rooms.NamespaceChat)
		return
	}

	f := ev.frame
	switch f.Name {
	case EventJoinRoom:
		if id := f.StringArg(0); id != "" {
			s.engine.Join(rooms.ChatRoom(id), c, rooms.Presence{})
		}
	case EventLeaveRoom:
		if id := f.StringArg(0); id != "" {
			s.engine.Leave(rooms.ChatRoom(id), c.ID())
		}
	case EventSendMessage:
		msg, err := decodeMessage(f.Arg(0))
		if err != nil {
			c.emitError(err.Error())
			return
		}
		s.engine.Broadcast(rooms.ChatRoom(msg.CollabID), rooms.KindMessageSent, f.Arg(0), c.ID())
		if s.archive != nil {
			s.archive.Save(msg)
		}
	case EventTyping, EventStopTyping:
		p, err := decodeRoomPayload(f.Arg(0))
		if err != nil {
			c.emitError(err.Error())
			return
		}
		kind := rooms.KindTypingStarted
		if f.Name == EventStopTyping {
			kind = rooms.KindTypingStopped
		}
		s.engine.Broadcast(rooms.ChatRoom(p.CollabID), kind, p.User, c.ID())
	case EventSendReaction:
		p, err := decodeRoomPayload(f.Arg(0))
		if err != nil {
			c.emitError(err.Error())
			return
		}
		s.engine.Broadcast(rooms.ChatRoom(p.CollabID), rooms.KindReactionSent, f.Arg(0), c.ID())
	case EventJoinVideoRoom:
		roomID := f.StringArg(0)
		if roomID == "" {
			c.emitError("roomId is required")
			return
		}
		s.relay.Join(roomID, c, f.StringArg(1), f.StringArg(2))
	case EventLeaveVideoRoom:
		if roomID := f.StringArg(0); roomID != "" {
			s.relay.Leave(roomID, c.ID())
		}
	default:
		s.log.Debug("unknown chat event", zap.String("event", f.Name), zap.String("connection", c.ID()))
	}
}
