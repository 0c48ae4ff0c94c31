package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Top level message types.
const (
	MessageSync      uint64 = 0
	MessageAwareness uint64 = 1
)

// Sync sub-message types.
const (
	SyncStep1  uint64 = 0
	SyncStep2  uint64 = 1
	SyncUpdate uint64 = 2
)

// ErrShortMessage is returned when a frame ends before its declared content.
var ErrShortMessage = errors.New("crdt: message truncated")

// Message is a decoded document-sync frame.
type Message struct {
	Type    uint64
	SubType uint64 // only meaningful for MessageSync
	Payload []byte // state vector, update or raw awareness bytes
}

// EncodeSync builds a sync frame carrying payload.
func EncodeSync(subType uint64, payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+2*binary.MaxVarintLen64)
	buf = binary.AppendUvarint(buf, MessageSync)
	buf = binary.AppendUvarint(buf, subType)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// ReadMessage decodes a frame. Awareness payloads keep the original framing so they can be
// relayed verbatim.
func ReadMessage(frame []byte) (Message, error) {
	msgType, n := binary.Uvarint(frame)
	if n <= 0 {
		return Message{}, ErrShortMessage
	}
	rest := frame[n:]

	switch msgType {
	case MessageSync:
		subType, m := binary.Uvarint(rest)
		if m <= 0 {
			return Message{}, ErrShortMessage
		}
		payload, err := readVarBytes(rest[m:])
		if err != nil {
			return Message{}, err
		}
		return Message{Type: MessageSync, SubType: subType, Payload: payload}, nil
	case MessageAwareness:
		return Message{Type: MessageAwareness, Payload: frame}, nil
	default:
		return Message{}, fmt.Errorf("crdt: unknown message type %d", msgType)
	}
}

func readVarBytes(buf []byte) ([]byte, error) {
	size, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, ErrShortMessage
	}
	if uint64(len(buf)-n) < size {
		return nil, ErrShortMessage
	}
	return buf[n : n+int(size)], nil
}
