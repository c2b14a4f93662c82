// Package presence tracks the role and subscription state of every peer
// connected to the hub (C4 in spec.md): idle, source, or listener, along
// with a source's active stream configuration and listener set.
package presence

import (
	"sync"

	"github.com/kira666-sentient/audiorelay/internal/protocol"
)

// Role is a peer's current relationship to the hub.
type Role string

const (
	RoleIdle     Role = "idle"
	RoleSource   Role = "source"
	RoleListener Role = "listener"
)

// StreamConfig is the configuration a source announced via startStreaming.
type StreamConfig struct {
	Source     string // microphone|system|file
	Quality    string // low|medium|high|ultra
	DeviceName string
	SampleRate int
	Channels   int
}

// Peer is one connected socket's presence record.
type Peer struct {
	ID   string
	Role Role

	// Stream is set when Role == RoleSource.
	Stream StreamConfig

	// ListeningTo is the sourceId this peer is subscribed to when
	// Role == RoleListener; empty otherwise.
	ListeningTo string
}

// clone returns an immutable copy handed to callers so they never observe
// the registry's internal maps directly (mirrors the hub's snapshot-then-
// release broadcast discipline, generalized to presence reads).
func (p Peer) clone() Peer { return p }

// Registry is the hub-wide peer table plus the reverse index from sourceId
// to its current listener set, guarded by a single RWMutex (spec §5: all
// presence mutation is serialized; fan-out reads take the snapshot path).
type Registry struct {
	mu        sync.RWMutex
	peers     map[string]*Peer
	listeners map[string]map[string]struct{} // sourceId -> set of listener peerIds
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		peers:     make(map[string]*Peer),
		listeners: make(map[string]map[string]struct{}),
	}
}

// Join registers a new idle peer. Re-joining an already-known id resets it
// to idle and tears down any prior role's bookkeeping, so join is
// idempotent per spec §8 invariant 5.
func (r *Registry) Join(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(peerID)
	r.peers[peerID] = &Peer{ID: peerID, Role: RoleIdle}
}

// Leave removes a peer entirely, detaching it from any source/listener
// bookkeeping it held (spec §4.5, disconnect cleanup).
func (r *Registry) Leave(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(peerID)
	delete(r.peers, peerID)
}

func (r *Registry) leaveLocked(peerID string) {
	p, ok := r.peers[peerID]
	if !ok {
		return
	}
	if p.Role == RoleSource {
		delete(r.listeners, peerID)
	}
	if p.Role == RoleListener && p.ListeningTo != "" {
		if set, ok := r.listeners[p.ListeningTo]; ok {
			delete(set, peerID)
		}
	}
}

// StartStreaming marks peerID as an active source with the given config.
// Starting twice for the same id is idempotent: the newer config wins and
// the listener set (if any already subscribed under a prior start) is kept.
func (r *Registry) StartStreaming(peerID string, cfg StreamConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		p = &Peer{ID: peerID}
		r.peers[peerID] = p
	}
	p.Role = RoleSource
	p.Stream = cfg
	if _, ok := r.listeners[peerID]; !ok {
		r.listeners[peerID] = make(map[string]struct{})
	}
}

// StopStreaming demotes a source back to idle and detaches its listeners
// (the hub is responsible for notifying them separately). Calling
// StopStreaming on a peer that isn't currently a source is a no-op
// (idempotent per spec §8 invariant 5).
func (r *Registry) StopStreaming(peerID string) (formerListeners []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok || p.Role != RoleSource {
		return nil
	}
	set := r.listeners[peerID]
	formerListeners = make([]string, 0, len(set))
	for lid := range set {
		formerListeners = append(formerListeners, lid)
		if lp, ok := r.peers[lid]; ok {
			lp.Role = RoleIdle
			lp.ListeningTo = ""
		}
	}
	delete(r.listeners, peerID)
	p.Role = RoleIdle
	p.Stream = StreamConfig{}
	return formerListeners
}

// JoinAsListener subscribes peerID to sourceID. Joining while already
// subscribed to the same source is idempotent; joining a different source
// first detaches from the old one.
func (r *Registry) JoinAsListener(peerID, sourceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.listeners[sourceID]; !ok {
		return false // sourceID is not an active source
	}
	p, ok := r.peers[peerID]
	if !ok {
		p = &Peer{ID: peerID}
		r.peers[peerID] = p
	}
	if p.Role == RoleListener && p.ListeningTo != "" && p.ListeningTo != sourceID {
		if set, ok := r.listeners[p.ListeningTo]; ok {
			delete(set, peerID)
		}
	}
	p.Role = RoleListener
	p.ListeningTo = sourceID
	r.listeners[sourceID][peerID] = struct{}{}
	return true
}

// LeaveAsListener unsubscribes peerID from whatever source it was
// listening to. No-op (idempotent) if it wasn't listening. Returns the
// sourceId it was subscribed to (empty if it wasn't listening), so the
// caller can send that source the symmetric notification spec §4.8
// requires alongside the listener's own listenerLeft ack.
func (r *Registry) LeaveAsListener(peerID string) (formerSource string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok || p.Role != RoleListener {
		return ""
	}
	formerSource = p.ListeningTo
	if set, ok := r.listeners[formerSource]; ok {
		delete(set, peerID)
	}
	p.Role = RoleIdle
	p.ListeningTo = ""
	return formerSource
}

// ListenersOf returns a snapshot slice of peerIds currently subscribed to
// sourceID, safe to iterate after the lock is released (spec §5's
// snapshot-then-release fan-out discipline).
func (r *Registry) ListenersOf(sourceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.listeners[sourceID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ListenerCounts returns the current listener count per active source
// (spec §4.8 listenerCounts broadcast).
func (r *Registry) ListenerCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.listeners))
	for sourceID, set := range r.listeners {
		out[sourceID] = len(set)
	}
	return out
}

// Get returns a copy of peerID's presence record and whether it exists.
func (r *Registry) Get(peerID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	if !ok {
		return Peer{}, false
	}
	return p.clone(), true
}

// IsActiveSource reports whether sourceID currently holds the source role.
func (r *Registry) IsActiveSource(sourceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.listeners[sourceID]
	return ok
}

// Devices returns a deviceList snapshot of every known peer (spec §4.8).
func (r *Registry) Devices() []protocol.DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.DeviceInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, protocol.DeviceInfo{
			PeerID:      p.ID,
			Role:        string(p.Role),
			Source:      p.Stream.Source,
			Quality:     p.Stream.Quality,
			ListeningTo: p.ListeningTo,
		})
	}
	return out
}
