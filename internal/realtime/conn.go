// Package realtime holds the websocket plumbing shared by every gateway subprotocol: a
// connection with a buffered write loop, an origin-checking upgrader and a tracker used to
// close everything at shutdown.
package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait             = 10 * time.Second
	defaultMaxMessageSize = 8 << 20 // 8 MiB
	defaultSendBuffer     = 64
)

var (
	// ErrClosed is returned when sending on a connection that has been closed.
	ErrClosed = errors.New("realtime: connection closed")
	// ErrBackpressure is returned when the outbound queue of a connection is full.
	ErrBackpressure = errors.New("realtime: send queue full")
)

// ConnOptions tune a single connection.
type ConnOptions struct {
	SendBuffer     int
	MaxMessageSize int64
	// PingPeriod enables keepalive pings from the write loop. Zero disables them.
	PingPeriod time.Duration
	// PongWait bounds the gap between inbound frames or pongs. Zero disables the read deadline.
	PongWait time.Duration
	// OnPong runs for every pong received.
	OnPong func()
	// CloseOnBackpressure closes the connection instead of dropping the frame when the send
	// queue is full.
	CloseOnBackpressure bool
}

type frame struct {
	kind int
	data []byte
	last bool
}

// Conn is a websocket connection with a single writer goroutine.
type Conn struct {
	id     string
	remote string
	socket *websocket.Conn
	opts   ConnOptions

	send chan frame
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	onClose []func()
}

// NewConn wraps an upgraded socket. remote is a display label for logs.
func NewConn(socket *websocket.Conn, remote string, opts ConnOptions) *Conn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	return &Conn{
		id:     uuid.NewString(),
		remote: remote,
		socket: socket,
		opts:   opts,
		send:   make(chan frame, opts.SendBuffer),
		done:   make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// Remote returns the remote endpoint label.
func (c *Conn) Remote() string { return c.remote }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// OnClose registers fn to run once when the connection closes. Registering on a closed
// connection runs fn immediately.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		fn()
		return
	default:
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Send queues a frame without blocking.
func (c *Conn) Send(kind int, data []byte) error {
	return c.enqueue(frame{kind: kind, data: data})
}

// CloseWithJSON queues v as the final text frame; the connection closes once it is written.
func (c *Conn) CloseWithJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		c.Close()
		return err
	}
	if err := c.enqueue(frame{kind: websocket.TextMessage, data: data, last: true}); err != nil {
		c.Close()
		return err
	}
	return nil
}

func (c *Conn) enqueue(f frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		if c.opts.CloseOnBackpressure {
			c.Close()
		}
		return ErrBackpressure
	}
}

// SendBinary queues a binary frame.
func (c *Conn) SendBinary(data []byte) error {
	return c.Send(websocket.BinaryMessage, data)
}

// SendJSON marshals v and queues it as a text frame.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(websocket.TextMessage, data)
}

// Ping writes a ping control frame immediately.
func (c *Conn) Ping() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close tears the connection down. It is safe to call more than once.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		close(c.done)
		hooks := c.onClose
		c.onClose = nil
		c.mu.Unlock()

		_ = c.socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.socket.Close()

		for _, fn := range hooks {
			fn()
		}
	})
}

// Run starts the write loop and reads frames until the connection fails, passing each data
// frame to handle. It closes the connection before returning.
func (c *Conn) Run(handle func(kind int, data []byte)) error {
	go c.writeLoop()
	defer c.Close()

	c.socket.SetReadLimit(c.opts.MaxMessageSize)
	if c.opts.PongWait > 0 {
		_ = c.socket.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	}
	c.socket.SetPongHandler(func(string) error {
		if c.opts.PongWait > 0 {
			_ = c.socket.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		}
		if c.opts.OnPong != nil {
			c.opts.OnPong()
		}
		return nil
	})

	for {
		kind, data, err := c.socket.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}
		if c.opts.PongWait > 0 {
			_ = c.socket.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		}
		handle(kind, data)
	}
}

func (c *Conn) writeLoop() {
	defer c.Close()

	var tick <-chan time.Time
	if c.opts.PingPeriod > 0 {
		ticker := time.NewTicker(c.opts.PingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(f.kind, f.data); err != nil || f.last {
				return
			}
		case <-tick:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
