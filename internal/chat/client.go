package chat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/charlesng35/collabhub/internal/realtime"
	"github.com/charlesng35/collabhub/internal/rooms"
)

// Client is one chat connection. It is a room member.
type Client struct {
	conn *realtime.Conn
}

func newClient(conn *realtime.Conn) *Client { return &Client{conn: conn} }

// ID returns the connection id.
func (c *Client) ID() string { return c.conn.ID() }

// Deliver translates a room event into the matching client event.
func (c *Client) Deliver(ev rooms.Event) error {
	name, ok := outboundNames[ev.Kind]
	if !ok {
		return fmt.Errorf("chat: no client event for %q", ev.Kind)
	}
	var args []any
	if len(ev.Payload) > 0 {
		args = append(args, json.RawMessage(ev.Payload))
	}
	return c.emit(name, args...)
}

func (c *Client) emit(name string, args ...any) error {
	data, err := EncodeFrame(name, args...)
	if err != nil {
		return err
	}
	if err := c.conn.Send(websocket.TextMessage, data); err != nil {
		if errors.Is(err, realtime.ErrBackpressure) {
			return rooms.ErrBackpressure
		}
		return err
	}
	return nil
}

func (c *Client) emitError(message string) {
	_ = c.emit(EventError, map[string]string{"message": message})
}
