package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	iauth "github.com/charlesng35/collabhub/internal/auth"
	"github.com/charlesng35/collabhub/internal/docsync"
	"github.com/charlesng35/collabhub/internal/middleware"
	"github.com/charlesng35/collabhub/internal/monitoring"
	"github.com/charlesng35/collabhub/internal/realtime"
	"github.com/charlesng35/collabhub/pkg/errors"
	"github.com/charlesng35/collabhub/pkg/logger"
	"github.com/charlesng35/collabhub/pkg/response"
)

// Banner is the body served to plain HTTP requests that match no endpoint.
const Banner = "CollabHub document collaboration server is running"

const (
	DefaultSignalingPrefix = "/peerjs"
	DefaultChatPrefix      = "/socket.io/"
	DefaultMetricsPath     = "/metrics"
)

// Route identifies the subprotocol an upgrade request is dispatched to.
type Route int

const (
	RouteDocSync Route = iota
	RouteChat
	RouteSignaling
)

func (r Route) String() string {
	switch r {
	case RouteChat:
		return monitoring.SubprotocolChat
	case RouteSignaling:
		return monitoring.SubprotocolSignaling
	default:
		return monitoring.SubprotocolDocSync
	}
}

// Classifier maps request paths to routes by prefix, signaling first.
type Classifier struct {
	SignalingPrefix string
	ChatPrefix      string
}

// Classify returns the route for path. For document-sync the document name is the path
// without its leading slash; it may be empty.
func (c Classifier) Classify(path string) (Route, string) {
	switch {
	case c.SignalingPrefix != "" && strings.HasPrefix(path, c.SignalingPrefix):
		return RouteSignaling, ""
	case c.ChatPrefix != "" && strings.HasPrefix(path, c.ChatPrefix):
		return RouteChat, ""
	default:
		return RouteDocSync, strings.TrimPrefix(path, "/")
	}
}

// Counter tracks open upgraded connections.
type Counter struct {
	n atomic.Int64
}

func (c *Counter) Inc()        { c.n.Add(1) }
func (c *Counter) Dec()        { c.n.Add(-1) }
func (c *Counter) Load() int64 { return c.n.Load() }

// DocumentServer runs the document-sync protocol on an upgraded socket.
type DocumentServer interface {
	Serve(socket *websocket.Conn, r *http.Request, opts docsync.Options)
}

// Config wires the router to the subprotocol handlers.
type Config struct {
	Production     bool
	AllowedOrigins []string

	Documents   DocumentServer
	GC          bool
	PingTimeout time.Duration

	ChatPrefix string
	Chat       http.Handler

	SignalingPrefix string
	Signaling       http.Handler

	// JWT enables upgrade authentication when set.
	JWT *iauth.JWTService

	RateStore     middleware.RateStore
	UpgradeLimit  int
	UpgradeWindow time.Duration

	Monitoring     *monitoring.Module
	MetricsPath    string
	DisableMetrics bool

	// Connections defaults to a fresh counter.
	Connections *Counter
	StartedAt   time.Time
}

type router struct {
	classifier  Classifier
	upgrader    *websocket.Upgrader
	documents   DocumentServer
	chat        http.Handler
	signaling   http.Handler
	gc          bool
	pingTimeout time.Duration
	connections *Counter
	log         *zap.Logger
}

// NewRouter builds the Gin engine serving health, metrics and the three websocket
// subprotocols on one listener.
func NewRouter(cfg Config) (*gin.Engine, error) {
	if cfg.Documents == nil {
		return nil, fmt.Errorf("document handler must be provided")
	}
	if cfg.SignalingPrefix == "" {
		cfg.SignalingPrefix = DefaultSignalingPrefix
	}
	if cfg.ChatPrefix == "" {
		cfg.ChatPrefix = DefaultChatPrefix
	}
	if cfg.Connections == nil {
		cfg.Connections = &Counter{}
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}

	rt := &router{
		classifier: Classifier{
			SignalingPrefix: "/" + strings.Trim(cfg.SignalingPrefix, "/"),
			ChatPrefix:      cfg.ChatPrefix,
		},
		upgrader:    realtime.NewUpgrader(upgradeOrigins(cfg)),
		documents:   cfg.Documents,
		chat:        cfg.Chat,
		signaling:   cfg.Signaling,
		gc:          cfg.GC,
		pingTimeout: cfg.PingTimeout,
		connections: cfg.Connections,
		log:         logger.WithModule("gateway"),
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders(cfg.Production))
	r.Use(middleware.CORS(middleware.CORSConfig{Production: cfg.Production, AllowedOrigins: cfg.AllowedOrigins}))
	r.Use(middleware.UpgradeRateLimit(cfg.RateStore, cfg.UpgradeLimit, cfg.UpgradeWindow))
	r.Use(middleware.Auth(cfg.JWT))

	registerHealthRoutes(r, rt, cfg)

	if cfg.Monitoring != nil && !cfg.DisableMetrics {
		path := cfg.MetricsPath
		if path == "" {
			path = DefaultMetricsPath
		}
		r.GET(path, rt.plain(gin.WrapH(cfg.Monitoring.Handler())))
	}

	r.NoRoute(rt.dispatch)

	return r, nil
}

// plain serves h for plain HTTP requests and dispatches upgrades as if no route matched.
func (rt *router) plain(h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			rt.dispatch(c)
			return
		}
		h(c)
	}
}

func (rt *router) dispatch(c *gin.Context) {
	route, doc := rt.classifier.Classify(c.Request.URL.Path)
	upgrade := websocket.IsWebSocketUpgrade(c.Request)

	switch {
	case route == RouteSignaling && rt.signaling != nil:
		rt.serveCounted(c, rt.signaling, upgrade)
	case !upgrade:
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(Banner))
	case route == RouteChat && rt.chat != nil:
		rt.serveCounted(c, rt.chat, true)
	default:
		rt.serveDocument(c, doc)
	}
}

func (rt *router) serveCounted(c *gin.Context, h http.Handler, count bool) {
	if count {
		rt.connections.Inc()
		defer rt.connections.Dec()
	}
	// NoRoute has already set 404; delegated handlers expect net/http's implicit 200.
	c.Status(http.StatusOK)
	h.ServeHTTP(c.Writer, c.Request)
}

func (rt *router) serveDocument(c *gin.Context, doc string) {
	if doc == "" {
		response.Error(c, errors.ErrDocumentIDRequired)
		return
	}
	if claims, ok := middleware.ClaimsFrom(c); ok && !claims.CanOpen(doc) {
		response.Error(c, errors.ErrForbidden)
		return
	}

	socket, err := rt.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already replied
		rt.log.Debug("document upgrade failed", zap.String("document", doc), zap.Error(err))
		return
	}

	rt.connections.Inc()
	defer rt.connections.Dec()

	rt.documents.Serve(socket, c.Request, docsync.Options{
		DocName:     doc,
		GC:          rt.gc,
		PingTimeout: rt.pingTimeout,
	})
}

func upgradeOrigins(cfg Config) []string {
	if !cfg.Production {
		return nil
	}
	return cfg.AllowedOrigins
}
