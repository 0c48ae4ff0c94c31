package docsync

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/collabhub/internal/crdt"
)

// Peer is a connection attached to a document session.
type Peer interface {
	ID() string
	SendBinary(data []byte) error
}

// Session is the single in-memory replica of one document.
type Session struct {
	name    string
	gc      bool
	doc     *crdt.Doc
	created time.Time
	log     *zap.Logger

	onPersist func(name string, delta []byte)

	mu       sync.Mutex
	peers    map[string]Peer
	closed   bool
	dirty    bool
	isLoaded bool
	pending  [][]byte

	loaded chan struct{}
}

func newSession(name string, gc bool, log *zap.Logger, onPersist func(string, []byte)) *Session {
	return &Session{
		name:      name,
		gc:        gc,
		doc:       crdt.NewDoc(),
		created:   time.Now(),
		log:       log,
		onPersist: onPersist,
		peers:     make(map[string]Peer),
		loaded:    make(chan struct{}),
	}
}

// Name returns the document identifier.
func (s *Session) Name() string { return s.name }

// Doc exposes the replicated state.
func (s *Session) Doc() *crdt.Doc { return s.doc }

// Loaded is closed once the persisted history has been merged in.
func (s *Session) Loaded() <-chan struct{} { return s.loaded }

// PeerCount reports the number of attached connections.
func (s *Session) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Closed reports whether the session has been evicted.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Apply merges update into the document, relays the new part to every other peer and hands
// it to persistence. Updates applied before the load completes are held back and persisted
// together once the load finishes.
func (s *Session) Apply(update []byte, origin Peer) error {
	added, err := s.doc.ApplyUpdate(update)
	if err != nil {
		return err
	}
	if added == nil {
		return nil
	}

	s.mu.Lock()
	s.dirty = true
	persistNow := s.isLoaded
	if !persistNow {
		s.pending = append(s.pending, added)
	}
	peers := s.peersExcept(origin)
	s.mu.Unlock()

	if persistNow && s.onPersist != nil {
		s.onPersist(s.name, added)
	}
	s.send(peers, crdt.EncodeSync(crdt.SyncUpdate, added))
	return nil
}

// Relay forwards a raw frame to every peer except origin.
func (s *Session) Relay(frame []byte, origin Peer) {
	s.mu.Lock()
	peers := s.peersExcept(origin)
	s.mu.Unlock()
	s.send(peers, frame)
}

// completeLoad merges the persisted history and returns the updates that were applied in
// memory while loading, merged into one.
func (s *Session) completeLoad(history [][]byte) []byte {
	var fromStore [][]byte
	for _, update := range history {
		added, err := s.doc.ApplyUpdate(update)
		if err != nil {
			s.log.Warn("skipping malformed stored update", zap.String("document", s.name), zap.Error(err))
			continue
		}
		if added != nil {
			fromStore = append(fromStore, added)
		}
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.isLoaded = true
	peers := s.peersExcept(nil)
	s.mu.Unlock()

	// Peers that connected during the load have not seen the stored state yet.
	if len(fromStore) > 0 && len(peers) > 0 {
		if merged, err := crdt.MergeUpdates(fromStore...); err == nil {
			s.send(peers, crdt.EncodeSync(crdt.SyncUpdate, merged))
		}
	}
	close(s.loaded)

	if len(pending) == 0 {
		return nil
	}
	merged, err := crdt.MergeUpdates(pending...)
	if err != nil {
		s.log.Warn("merge pending updates failed", zap.String("document", s.name), zap.Error(err))
		return nil
	}
	return merged
}

// takeDirty clears and returns the dirty flag.
func (s *Session) takeDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	dirty := s.dirty
	s.dirty = false
	return dirty
}

func (s *Session) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

func (s *Session) peersExcept(origin Peer) []Peer {
	peers := make([]Peer, 0, len(s.peers))
	for id, peer := range s.peers {
		if origin != nil && id == origin.ID() {
			continue
		}
		peers = append(peers, peer)
	}
	return peers
}

func (s *Session) send(peers []Peer, frame []byte) {
	for _, peer := range peers {
		if err := peer.SendBinary(frame); err != nil {
			s.log.Debug("drop frame for peer",
				zap.String("document", s.name),
				zap.String("peer", peer.ID()),
				zap.Error(err),
			)
		}
	}
}
