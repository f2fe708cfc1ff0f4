// Package registry tracks connected peers, their classification, and room
// membership. It is the single owner of peer records; the internal-slot
// handle is an optional reference into that map.
//
// Concurrency Design:
// A single read-write mutex guards all state. Readers receive copied
// snapshots, never live maps, so iteration can never observe a torn view:
// a caller sees either the pre-mutation or the post-mutation membership.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/t3t-io/screenrelay/internal/v1/logging"
	"github.com/t3t-io/screenrelay/internal/v1/metrics"
	"github.com/t3t-io/screenrelay/internal/v1/types"
	"go.uber.org/zap"
)

// ErrAddrMismatch is returned when a sid is re-registered from a different
// remote address. Session identifiers are minted per accept, so this can
// only happen if the transport layer is confused.
var ErrAddrMismatch = errors.New("sid already registered with a different address")

// ErrUnknownSid is returned by operations that require an existing peer.
var ErrUnknownSid = errors.New("sid not present in registry")

// peer is the registry's internal record of a connected endpoint.
type peer struct {
	sid            types.SidType
	addr           string
	classification types.Classification
	connectedAt    time.Time
	client         types.ClientInterface
	rooms          map[types.RoomIdType]struct{}
}

// PeerInfo is an immutable snapshot of a peer record handed to readers.
type PeerInfo struct {
	Sid            types.SidType
	Addr           string
	Classification types.Classification
	ConnectedAt    time.Time
	Rooms          []types.RoomIdType
	Client         types.ClientInterface
}

// Registry is the authoritative map of connected peers and rooms.
type Registry struct {
	mu    sync.RWMutex
	peers map[types.SidType]*peer
	rooms map[types.RoomIdType]map[types.SidType]struct{}

	// internalSid is the internal-slot handle: the sid of the currently
	// registered internal worker, or empty. At most one peer holds it.
	internalSid types.SidType

	now func() time.Time // test hook
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		peers: make(map[types.SidType]*peer),
		rooms: make(map[types.RoomIdType]map[types.SidType]struct{}),
		now:   time.Now,
	}
}

// Register records a newly accepted peer. Registering the same sid with the
// same address again is a no-op returning the existing record; the same sid
// with a different address returns ErrAddrMismatch.
func (r *Registry) Register(client types.ClientInterface) (PeerInfo, error) {
	sid := client.GetSid()
	addr := client.RemoteAddr()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.peers[sid]; ok {
		if existing.addr != addr {
			return PeerInfo{}, ErrAddrMismatch
		}
		return existing.info(), nil
	}

	p := &peer{
		sid:            sid,
		addr:           addr,
		classification: client.GetClassification(),
		connectedAt:    r.now(),
		client:         client,
		rooms:          make(map[types.RoomIdType]struct{}),
	}
	r.peers[sid] = p

	metrics.PeersByClassification.WithLabelValues(string(p.classification)).Inc()
	return p.info(), nil
}

// Deregister removes a peer and its room memberships. If the departing peer
// held the internal slot, the slot is cleared and heldInternal is true.
func (r *Registry) Deregister(sid types.SidType) (info PeerInfo, heldInternal bool, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[sid]
	if !ok {
		return PeerInfo{}, false, false
	}

	info = p.info()
	delete(r.peers, sid)
	for room := range p.rooms {
		r.removeFromRoomLocked(sid, room)
	}

	if r.internalSid == sid {
		r.internalSid = ""
		heldInternal = true
	}

	metrics.PeersByClassification.WithLabelValues(string(p.classification)).Dec()
	return info, heldInternal, true
}

// Join adds the peer to a room. Joining a room twice is a no-op.
func (r *Registry) Join(sid types.SidType, room types.RoomIdType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[sid]
	if !ok {
		return ErrUnknownSid
	}
	if _, member := p.rooms[room]; member {
		return nil
	}

	p.rooms[room] = struct{}{}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[types.SidType]struct{})
		r.rooms[room] = members
	}
	members[sid] = struct{}{}
	return nil
}

// Leave removes the peer from a room. Leaving a room it never joined is a
// no-op.
func (r *Registry) Leave(sid types.SidType, room types.RoomIdType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[sid]
	if !ok {
		return ErrUnknownSid
	}
	if _, member := p.rooms[room]; !member {
		return nil
	}

	delete(p.rooms, room)
	r.removeFromRoomLocked(sid, room)
	return nil
}

// removeFromRoomLocked drops sid from the room member set and prunes empty
// rooms. Caller holds the write lock.
func (r *Registry) removeFromRoomLocked(sid types.SidType, room types.RoomIdType) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, sid)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Members returns a snapshot of the clients currently in a room.
func (r *Registry) Members(room types.RoomIdType) []types.ClientInterface {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]types.ClientInterface, 0, len(members))
	for sid := range members {
		if p, ok := r.peers[sid]; ok {
			out = append(out, p.client)
		}
	}
	return out
}

// MemberSids returns the sorted sids of a room's members.
func (r *Registry) MemberSids(room types.RoomIdType) []types.SidType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]types.SidType, 0, len(members))
	for sid := range members {
		out = append(out, sid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Lookup returns a snapshot of a single peer.
func (r *Registry) Lookup(sid types.SidType) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[sid]
	if !ok {
		return PeerInfo{}, false
	}
	return p.info(), true
}

// CountWhere counts peers satisfying the predicate over a snapshot.
func (r *Registry) CountWhere(pred func(PeerInfo) bool) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, p := range r.peers {
		if pred(p.info()) {
			n++
		}
	}
	return n
}

// Peers returns a snapshot of every registered peer, sorted by connect time
// then sid so roster logs are stable.
func (r *Registry) Peers() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].Sid < out[j].Sid
	})
	return out
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// --- Internal slot ---

// SetInternal makes sid the internal-slot holder. A later registrant
// displaces the earlier one; the displaced sid is returned so the caller
// can log the takeover. The peer must exist.
func (r *Registry) SetInternal(sid types.SidType) (displaced types.SidType, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[sid]; !ok {
		return "", ErrUnknownSid
	}
	if r.internalSid != "" && r.internalSid != sid {
		displaced = r.internalSid
	}
	r.internalSid = sid
	return displaced, nil
}

// Internal returns the internal worker's client, if one is registered.
func (r *Registry) Internal() (types.ClientInterface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.internalSid == "" {
		return nil, false
	}
	p, ok := r.peers[r.internalSid]
	if !ok {
		return nil, false
	}
	return p.client, true
}

// InternalSid returns the sid holding the internal slot, if any.
func (r *Registry) InternalSid() (types.SidType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.internalSid, r.internalSid != ""
}

// LogRoster writes the current peer roster at info level. Called by the
// periodic broadcaster alongside the client-count heartbeat.
func (r *Registry) LogRoster(ctx context.Context) {
	for _, p := range r.Peers() {
		logging.Info(ctx, "peer",
			zap.String("sid", string(p.Sid)),
			zap.String("classification", string(p.Classification)),
			zap.String("addr", p.Addr),
			zap.Duration("connected_for", time.Since(p.ConnectedAt).Round(time.Second)),
		)
	}
}

func (p *peer) info() PeerInfo {
	rooms := make([]types.RoomIdType, 0, len(p.rooms))
	for room := range p.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return PeerInfo{
		Sid:            p.sid,
		Addr:           p.addr,
		Classification: p.classification,
		ConnectedAt:    p.connectedAt,
		Rooms:          rooms,
		Client:         p.client,
	}
}
