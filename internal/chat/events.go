package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charlesng35/collabhub/internal/rooms"
	"github.com/charlesng35/collabhub/pkg/validator"
)

// Inbound event names.
const (
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventSendMessage    = "send_message"
	EventTyping         = "typing"
	EventStopTyping     = "stop_typing"
	EventSendReaction   = "send_reaction"
	EventJoinVideoRoom  = "join-video-room"
	EventLeaveVideoRoom = "leave-video-room"
)

// Outbound event names.
const (
	EventReceiveMessage    = "receive_message"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventReceiveReaction   = "receive_reaction"
	EventUserConnected     = "user-connected"
	EventUserDisconnected  = "user-disconnected"
	EventError             = "error"
)

var errEmptyFrame = errors.New("chat: frame has no event name")

// outboundNames maps room event kinds to the event emitted to chat clients.
var outboundNames = map[rooms.Kind]string{
	rooms.KindMessageSent:   EventReceiveMessage,
	rooms.KindTypingStarted: EventUserTyping,
	rooms.KindTypingStopped: EventUserStoppedTyping,
	rooms.KindReactionSent:  EventReceiveReaction,
	rooms.KindPeerJoined:    EventUserConnected,
	rooms.KindPeerLeft:      EventUserDisconnected,
}

// Frame is one decoded ["event", args...] message.
type Frame struct {
	Name string
	Args []json.RawMessage
}

// ParseFrame decodes a JSON array frame.
func ParseFrame(data []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return Frame{}, fmt.Errorf("chat: decode frame: %w", err)
	}
	if len(parts) == 0 {
		return Frame{}, errEmptyFrame
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil || name == "" {
		return Frame{}, errEmptyFrame
	}
	return Frame{Name: name, Args: parts[1:]}, nil
}

// EncodeFrame builds an ["event", args...] message.
func EncodeFrame(name string, args ...any) ([]byte, error) {
	parts := make([]any, 0, len(args)+1)
	parts = append(parts, name)
	parts = append(parts, args...)
	return json.Marshal(parts)
}

// StringArg decodes argument i as a string. Missing or mistyped arguments yield "".
func (f Frame) StringArg(i int) string {
	if i >= len(f.Args) {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Args[i], &s); err != nil {
		return ""
	}
	return s
}

// Arg returns the raw argument i, or nil.
func (f Frame) Arg(i int) json.RawMessage {
	if i >= len(f.Args) {
		return nil
	}
	return f.Args[i]
}

// Sender identifies the author of a chat message.
type Sender struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Image string `json:"image,omitempty"`
}

// ReactionUser is one user who reacted.
type ReactionUser struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Reaction groups the users who reacted with one emoji.
type Reaction struct {
	Emoji string         `json:"emoji"`
	Users []ReactionUser `json:"users"`
}

// MessagePayload is the body of send_message.
type MessagePayload struct {
	CollabID  string     `json:"collabId" validate:"required,roomkey"`
	Sender    Sender     `json:"sender"`
	Content   string     `json:"content" validate:"required,max=4000"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
	Mentions  []string   `json:"mentions,omitempty"`
}

// roomPayload covers typing, stop_typing and send_reaction bodies.
type roomPayload struct {
	CollabID string          `json:"collabId" validate:"required,roomkey"`
	User     json.RawMessage `json:"user,omitempty"`
}

func decodeMessage(raw json.RawMessage) (MessagePayload, error) {
	var msg MessagePayload
	if len(raw) == 0 {
		return msg, errors.New("message payload is required")
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("invalid message payload: %w", err)
	}
	if err := validator.ValidateStruct(msg); err != nil {
		return msg, err
	}
	return msg, nil
}

func decodeRoomPayload(raw json.RawMessage) (roomPayload, error) {
	var p roomPayload
	if len(raw) == 0 {
		return p, errors.New("payload is required")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("invalid payload: %w", err)
	}
	if err := validator.ValidateStruct(p); err != nil {
		return p, err
	}
	return p, nil
}
