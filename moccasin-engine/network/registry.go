package network

import (
	"sort"
	"sync"
)

// PeerRegistry maps peer keys to live connections. It is the single source of
// truth for which peers are connected; callers only ever see copies.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[string]*peerConn
}

// NewPeerRegistry creates an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{
		peers: make(map[string]*peerConn),
	}
}

// Add registers a connection. It returns false if the key is already taken.
func (r *PeerRegistry) Add(pc *peerConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pc.key()
	if _, exists := r.peers[key]; exists {
		return false
	}
	r.peers[key] = pc
	return true
}

// Remove unregisters pc if it is still the connection stored under its key.
func (r *PeerRegistry) Remove(pc *peerConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pc.key()
	if cur, ok := r.peers[key]; ok && cur == pc {
		delete(r.peers, key)
		return true
	}
	return false
}

// Get returns the connection for key.
func (r *PeerRegistry) Get(key string) (*peerConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pc, ok := r.peers[key]
	return pc, ok
}

// Has reports whether a live connection exists for key.
func (r *PeerRegistry) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// Len returns the number of registered peers.
func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Snapshot returns a copy of all peers sorted by key.
func (r *PeerRegistry) Snapshot() []PeerInfo {
	r.mu.RLock()
	peers := make([]PeerInfo, 0, len(r.peers))
	for _, pc := range r.peers {
		peers = append(peers, pc.info)
	}
	r.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Key() < peers[j].Key()
	})
	return peers
}

// conns returns the live connections for broadcasting.
func (r *PeerRegistry) conns() []*peerConn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*peerConn, 0, len(r.peers))
	for _, pc := range r.peers {
		conns = append(conns, pc)
	}
	return conns
}

// CloseAll closes every registered connection. Entries are removed by the
// read loops as they observe the close.
func (r *PeerRegistry) CloseAll() {
	for _, pc := range r.conns() {
		_ = pc.Close()
	}
}
