// Package signaling relays peer-connection setup traffic: video-room presence over the room
// engine and a PeerJS-compatible message broker.
package signaling

import (
	"go.uber.org/zap"

	"github.com/charlesng35/collabhub/internal/monitoring"
	"github.com/charlesng35/collabhub/internal/rooms"
	"github.com/charlesng35/collabhub/pkg/logger"
)

// PeerJoined is the payload of a peer-joined event.
type PeerJoined struct {
	PeerID   string `json:"peerId"`
	UserName string `json:"userName"`
}

// Relay announces video-room arrivals and departures. Every departure path goes through the
// engine's removal, so each member's peer-left is broadcast exactly once.
type Relay struct {
	engine *rooms.Engine
	log    *zap.Logger
}

// NewRelay builds a relay on engine.
func NewRelay(engine *rooms.Engine) *Relay {
	return &Relay{engine: engine, log: logger.WithModule("signaling")}
}

// Join adds member to the video room and tells the existing members about it. It returns
// the number of members notified.
func (r *Relay) Join(roomID string, member rooms.Member, peerID, userName string) int {
	key := rooms.VideoRoom(roomID)
	r.engine.Join(key, member, rooms.Presence{Name: userName, ParticipantID: peerID})
	monitoring.RecordSignalingMessage("join")

	r.log.Debug("peer joined video room",
		zap.String("room", roomID),
		zap.String("peer", peerID),
		zap.String("member", member.ID()))
	return r.engine.Broadcast(key, rooms.KindPeerJoined, PeerJoined{PeerID: peerID, UserName: userName}, member.ID())
}

// Leave removes memberID from one video room. It reports whether this call removed it.
func (r *Relay) Leave(roomID, memberID string) bool {
	presence, removed := r.engine.Leave(rooms.VideoRoom(roomID), memberID)
	if !removed {
		return false
	}
	r.announceDeparture(rooms.VideoRoom(roomID), memberID, presence)
	return true
}

// Disconnect removes memberID from every video room and returns how many it left.
func (r *Relay) Disconnect(memberID string) int {
	departures := r.engine.LeaveAll(memberID, rooms.NamespaceVideo)
	for _, d := range departures {
		r.announceDeparture(d.Room, memberID, d.Presence)
	}
	return len(departures)
}

func (r *Relay) announceDeparture(key rooms.Key, memberID string, presence rooms.Presence) {
	monitoring.RecordSignalingMessage("leave")
	r.log.Debug("peer left video room",
		zap.String("room", key.Name),
		zap.String("peer", presence.ParticipantID),
		zap.String("member", memberID))
	r.engine.Broadcast(key, rooms.KindPeerLeft, presence.ParticipantID, memberID)
}
