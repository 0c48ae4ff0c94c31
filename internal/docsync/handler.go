package docsync

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/collabhub/internal/crdt"
	"github.com/charlesng35/collabhub/internal/monitoring"
	"github.com/charlesng35/collabhub/internal/realtime"
	"github.com/charlesng35/collabhub/pkg/logger"
)

// Options describe one document-sync connection.
type Options struct {
	DocName string
	GC      bool
	// PingTimeout is used for keepalive pings when no Monitor is configured.
	PingTimeout time.Duration
}

// HandlerConfig wires the handler to its collaborators.
type HandlerConfig struct {
	Registry   *Registry
	Monitor    *Monitor
	Tracker    *realtime.Tracker
	SendBuffer int
}

// Handler runs the sync protocol over upgraded websocket connections.
type Handler struct {
	registry   *Registry
	monitor    *Monitor
	tracker    *realtime.Tracker
	sendBuffer int
	log        *zap.Logger
}

// NewHandler builds a document-sync handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		registry:   cfg.Registry,
		monitor:    cfg.Monitor,
		tracker:    cfg.Tracker,
		sendBuffer: cfg.SendBuffer,
		log:        logger.WithModule("docsync"),
	}
}

// Serve runs the sync protocol on socket until the connection closes. The final detach, and
// with it any final flush, happens before Serve returns.
func (h *Handler) Serve(socket *websocket.Conn, r *http.Request, opts Options) {
	connOpts := realtime.ConnOptions{
		SendBuffer:          h.sendBuffer,
		CloseOnBackpressure: true,
	}
	if h.monitor == nil && opts.PingTimeout > 0 {
		connOpts.PingPeriod = opts.PingTimeout
		connOpts.PongWait = 2 * opts.PingTimeout
	}

	var conn *realtime.Conn
	if h.monitor != nil {
		connOpts.OnPong = func() { h.monitor.MarkAlive(conn) }
	}
	conn = realtime.NewConn(socket, realtime.RemoteLabel(r), connOpts)
	if h.tracker != nil {
		h.tracker.Add(conn)
	}

	monitoring.RecordConnection(monitoring.SubprotocolDocSync, 1)
	defer monitoring.RecordConnection(monitoring.SubprotocolDocSync, -1)

	session := h.attach(conn, opts)
	defer func() {
		if err := h.registry.Detach(session, conn); err != nil {
			h.log.Warn("final flush failed", zap.String("document", opts.DocName), zap.Error(err))
		}
	}()

	if h.monitor != nil {
		h.monitor.Track(conn)
		defer h.monitor.Untrack(conn)
	}

	log := h.log.With(
		zap.String("document", opts.DocName),
		zap.String("connection", conn.ID()),
		zap.String("remote", conn.Remote()),
	)
	log.Debug("document connection opened")

	if sv, err := session.Doc().EncodeStateVector(); err == nil {
		_ = conn.SendBinary(crdt.EncodeSync(crdt.SyncStep1, sv))
	}

	err := conn.Run(func(kind int, data []byte) {
		if kind != websocket.BinaryMessage {
			return
		}
		if err := h.handleFrame(session, conn, data); err != nil {
			log.Debug("ignoring document frame", zap.Error(err))
		}
	})
	if err != nil {
		log.Debug("document connection closed", zap.Error(err))
	}
}

// attach acquires the session for the document, retrying when an eviction races with it.
func (h *Handler) attach(conn *realtime.Conn, opts Options) *Session {
	for {
		session := h.registry.Acquire(opts.DocName, WithGC(opts.GC))
		if err := h.registry.Attach(session, conn); !errors.Is(err, ErrSessionClosed) {
			return session
		}
	}
}

func (h *Handler) handleFrame(session *Session, conn *realtime.Conn, data []byte) error {
	msg, err := crdt.ReadMessage(data)
	if err != nil {
		return err
	}

	switch msg.Type {
	case crdt.MessageAwareness:
		session.Relay(msg.Payload, conn)
		return nil
	case crdt.MessageSync:
	default:
		return nil
	}

	switch msg.SubType {
	case crdt.SyncStep1:
		diff, err := session.Doc().Diff(msg.Payload)
		if err != nil {
			return err
		}
		return conn.SendBinary(crdt.EncodeSync(crdt.SyncStep2, diff))
	case crdt.SyncStep2, crdt.SyncUpdate:
		return session.Apply(msg.Payload, conn)
	default:
		return errors.New("unknown sync message")
	}
}
