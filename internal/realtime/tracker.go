package realtime

import "sync"

// Tracker remembers open connections so they can be closed together at shutdown.
type Tracker struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{conns: make(map[*Conn]struct{})}
}

// Add tracks conn until it closes.
func (t *Tracker) Add(conn *Conn) {
	t.mu.Lock()
	t.conns[conn] = struct{}{}
	t.mu.Unlock()

	conn.OnClose(func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
	})
}

// Len reports the number of tracked connections.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// CloseAll closes every tracked connection and returns how many were closed.
func (t *Tracker) CloseAll() int {
	t.mu.Lock()
	conns := make([]*Conn, 0, len(t.conns))
	for conn := range t.conns {
		conns = append(conns, conn)
	}
	t.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return len(conns)
}
