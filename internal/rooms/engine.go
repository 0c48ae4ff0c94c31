package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/charlesng35/collabhub/internal/monitoring"
	"github.com/charlesng35/collabhub/pkg/logger"
)

// ErrBackpressure is returned by members whose send queue is full.
var ErrBackpressure = errors.New("rooms: member send queue full")

// Kind identifies a room event.
type Kind string

const (
	KindMessageSent   Kind = "message-sent"
	KindTypingStarted Kind = "typing-started"
	KindTypingStopped Kind = "typing-stopped"
	KindReactionSent  Kind = "reaction-sent"
	KindPeerJoined    Kind = "peer-joined"
	KindPeerLeft      Kind = "peer-left"
)

// Namespaces keep chat rooms and video rooms with the same name apart.
const (
	NamespaceChat  = "chat"
	NamespaceVideo = "video"
)

// Key names a room within a namespace.
type Key struct {
	Namespace string `json:"ns"`
	Name      string `json:"name"`
}

// ChatRoom returns the key of the chat room name.
func ChatRoom(name string) Key { return Key{Namespace: NamespaceChat, Name: name} }

// VideoRoom returns the key of the video room name.
func VideoRoom(name string) Key { return Key{Namespace: NamespaceVideo, Name: name} }

func (k Key) String() string { return k.Namespace + ":" + k.Name }

// Event is one room-scoped broadcast.
type Event struct {
	Room    Key             `json:"room"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Member is a connection that can receive room events. Deliver must not block.
type Member interface {
	ID() string
	Deliver(Event) error
}

// Presence is the lightweight metadata a member carries in a room.
type Presence struct {
	Name          string `json:"name,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
}

// Departure records a membership removed by LeaveAll.
type Departure struct {
	Room     Key
	Presence Presence
}

type membership struct {
	member   Member
	presence Presence
}

type room struct {
	members map[string]membership
}

// Engine tracks room membership and fans events out to members. Rooms exist only while they
// have members.
type Engine struct {
	log *zap.Logger

	mu       sync.Mutex
	rooms    map[Key]*room
	byMember map[string]map[Key]struct{}

	relay *relay
}

// NewEngine returns an empty engine without a backplane.
func NewEngine() *Engine {
	return &Engine{
		log:      logger.WithModule("rooms"),
		rooms:    make(map[Key]*room),
		byMember: make(map[string]map[Key]struct{}),
	}
}

// Join adds member to key. Joining again replaces the presence and reports false.
func (e *Engine) Join(key Key, member Member, presence Presence) bool {
	id := member.ID()

	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[key]
	if !ok {
		r = &room{members: make(map[string]membership)}
		e.rooms[key] = r
	}
	_, existed := r.members[id]
	r.members[id] = membership{member: member, presence: presence}

	joined, ok := e.byMember[id]
	if !ok {
		joined = make(map[Key]struct{})
		e.byMember[id] = joined
	}
	joined[key] = struct{}{}
	return !existed
}

// Leave removes memberID from key. removed is false when it was not a member, so concurrent
// leave paths observe exactly one removal.
func (e *Engine) Leave(key Key, memberID string) (presence Presence, removed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaveLocked(key, memberID)
}

// LeaveAll removes memberID from every room it belongs to, restricted to namespaces when any
// are given.
func (e *Engine) LeaveAll(memberID string, namespaces ...string) []Departure {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Departure
	for key := range e.byMember[memberID] {
		if len(namespaces) > 0 && !slices.Contains(namespaces, key.Namespace) {
			continue
		}
		if presence, ok := e.leaveLocked(key, memberID); ok {
			out = append(out, Departure{Room: key, Presence: presence})
		}
	}
	return out
}

func (e *Engine) leaveLocked(key Key, memberID string) (Presence, bool) {
	r, ok := e.rooms[key]
	if !ok {
		return Presence{}, false
	}
	m, ok := r.members[memberID]
	if !ok {
		return Presence{}, false
	}

	delete(r.members, memberID)
	if len(r.members) == 0 {
		delete(e.rooms, key)
	}
	if joined := e.byMember[memberID]; joined != nil {
		delete(joined, key)
		if len(joined) == 0 {
			delete(e.byMember, memberID)
		}
	}
	return m.presence, true
}

// Members returns the presence of every member of key.
func (e *Engine) Members(key Key) map[string]Presence {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[key]
	if !ok {
		return nil
	}
	out := make(map[string]Presence, len(r.members))
	for id, m := range r.members {
		out[id] = m.presence
	}
	return out
}

// IsMember reports whether memberID belongs to key.
func (e *Engine) IsMember(key Key, memberID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[key]
	if !ok {
		return false
	}
	_, ok = r.members[memberID]
	return ok
}

// Len reports the number of non-empty rooms.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rooms)
}

// Broadcast delivers payload to every member of key except exclude and returns the number of
// local members that accepted it. With a backplane attached the event is also published to the
// other instances.
func (e *Engine) Broadcast(key Key, kind Kind, payload any, exclude string) int {
	raw, err := encodePayload(payload)
	if err != nil {
		e.log.Warn("dropping unencodable room event",
			zap.String("room", key.String()),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return 0
	}

	ev := Event{Room: key, Kind: kind, Payload: raw}
	delivered := e.deliver(ev, exclude)

	e.mu.Lock()
	rl := e.relay
	e.mu.Unlock()
	if rl != nil {
		rl.publish(envelope{Exclude: exclude, Event: ev})
	}
	return delivered
}

// deliver fans ev out to the local members of its room. Members are snapshotted under the lock
// and delivered to outside it.
func (e *Engine) deliver(ev Event, exclude string) int {
	e.mu.Lock()
	r, ok := e.rooms[ev.Room]
	var targets []Member
	if ok {
		targets = make([]Member, 0, len(r.members))
		for id, m := range r.members {
			if id != exclude {
				targets = append(targets, m.member)
			}
		}
	}
	e.mu.Unlock()

	monitoring.RecordRoomBroadcast(string(ev.Kind))

	delivered := 0
	for _, m := range targets {
		if err := m.Deliver(ev); err != nil {
			e.log.Warn("room delivery failed",
				zap.String("room", ev.Room.String()),
				zap.String("kind", string(ev.Kind)),
				zap.String("member", m.ID()),
				zap.Error(err))
			monitoring.RecordDeliveryFailure(string(ev.Kind), failureType(err), err.Error())
			continue
		}
		delivered++
	}
	return delivered
}

// Run attaches backplane and relays events between it and the local rooms until ctx is done.
// Run must be called at most once, before any Broadcast that should reach other instances.
func (e *Engine) Run(ctx context.Context, backplane Backplane, opts RelayOptions) error {
	r := newRelay(e, backplane, opts)
	e.mu.Lock()
	e.relay = r
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.relay = nil
		e.mu.Unlock()
	}()
	return r.run(ctx)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}

func failureType(err error) string {
	if errors.Is(err, ErrBackpressure) {
		return "backpressure"
	}
	return "transport"
}
