// Package rooms keeps track of which READY sessions are in which room and
// relays frames between them.
package rooms

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/decentraland/mini-comms/domain"
	"github.com/decentraland/mini-comms/logs"
	"github.com/decentraland/mini-comms/wire"
)

const kickReason = "Another session for the same address has connected"

// Room is a snapshot of a room's members.
type Room struct {
	Name    string
	Members []*domain.Session
}

// Admission is the outcome of Admit.
type Admission struct {
	// Kicked is the previous session of the same address, if any.
	Kicked *domain.Session
	// Peers maps the alias of every other member of the room, as it was at
	// admission time, to its address.
	Peers map[uint32]string
}

// Registry owns room membership and address liveness. A single mutex
// guards both indexes, so a session is either in both or in neither.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[string]map[*domain.Session]struct{}
	addresses map[string]*domain.Session

	broadcaster *Broadcaster
	metrics     domain.Metrics
	logger      zerolog.Logger
}

func NewRegistry(logger zerolog.Logger, metrics domain.Metrics, broadcaster *Broadcaster) *Registry {
	return &Registry{
		rooms:       make(map[string]map[*domain.Session]struct{}),
		addresses:   make(map[string]*domain.Session),
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logs.Component(logger, "RoomsComponent"),
	}
}

// Admit inserts s, whose address and alias must already be set, into its
// room and marks it READY. Everything s and the room observe about the
// admission is queued before the lock is released: the Welcome to s, the
// PeerJoin to the members that were already there and, for a previous
// session of the same address, the PeerLeave to its room. Any frame caused
// by a later event, a close of s included, is therefore queued after them.
//
// Admit fails with domain.ErrClosed when the connection of s is no longer
// open, or with the transport error of the Welcome. In both cases s is not
// registered.
func (r *Registry) Admit(s *domain.Session) (Admission, error) {
	address := s.Address()

	r.mu.Lock()
	if !s.Conn.IsOpen() {
		r.mu.Unlock()
		return Admission{}, domain.ErrClosed
	}

	var (
		kicked *domain.Session
		failed []*domain.Session
	)
	if prev, ok := r.addresses[address]; ok && prev != s {
		if remaining, removed := r.removeLocked(prev); removed {
			kicked = prev
			failed = r.broadcaster.fanOut(leaveFrame(prev), remaining.Members, nil, true)
		}
	}

	members := r.rooms[s.Room]
	peers := make(map[uint32]string, len(members))
	others := make([]*domain.Session, 0, len(members))
	for m := range members {
		peers[m.Alias] = m.Address()
		others = append(others, m)
	}

	welcome := wire.Encode(&wire.Welcome{Alias: s.Alias, PeerIdentities: peers})
	sent, err := r.broadcaster.send(s, welcome, true)
	if !sent {
		r.observeLocked()
		r.mu.Unlock()

		if err != nil {
			failed = append(failed, s)
		} else {
			err = domain.ErrClosed
		}
		r.afterAdmit(kicked, failed)
		return Admission{Kicked: kicked}, err
	}

	s.SetStage(domain.StageReady)
	join := wire.Encode(&wire.PeerJoin{Alias: s.Alias, Address: address})
	failed = append(failed, r.broadcaster.fanOut(join, others, s, true)...)

	if members == nil {
		members = make(map[*domain.Session]struct{})
		r.rooms[s.Room] = members
		r.logger.Debug().Str("room", s.Room).Msg("Creating room")
	}
	members[s] = struct{}{}
	r.addresses[address] = s
	r.observeLocked()
	r.mu.Unlock()

	r.logger.Debug().
		Str("room", s.Room).
		Str("address", address).
		Uint32("alias", s.Alias).
		Msg("Connecting user")

	r.afterAdmit(kicked, failed)
	return Admission{Kicked: kicked, Peers: peers}, nil
}

// afterAdmit runs the close side effects of an admission. They fire close
// callbacks, which take the lock again.
func (r *Registry) afterAdmit(kicked *domain.Session, failed []*domain.Session) {
	if kicked != nil {
		r.kick(kicked)
	}
	terminate(failed)
}

// Evict removes s and announces its departure to the remaining members. It
// reports whether s was registered; evicting an absent session is a no-op.
func (r *Registry) Evict(s *domain.Session) bool {
	r.mu.Lock()
	remaining, removed := r.removeLocked(s)
	var failed []*domain.Session
	if removed {
		r.observeLocked()
		failed = r.broadcaster.fanOut(leaveFrame(s), remaining.Members, nil, true)
	}
	r.mu.Unlock()

	if !removed {
		return false
	}

	r.logger.Debug().
		Str("room", s.Room).
		Str("address", s.Address()).
		Uint32("alias", s.Alias).
		Msg("Disconnecting user")

	terminate(failed)
	return true
}

func (r *Registry) IsAddressActive(address string) bool {
	_, ok := r.Lookup(address)
	return ok
}

func (r *Registry) Lookup(address string) (*domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.addresses[address]
	return s, ok
}

// Room returns the current members of name. An absent room yields an empty
// snapshot and is not created.
func (r *Registry) Room(name string) Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(name, r.rooms[name])
}

func (r *Registry) Stats() (rooms, sessions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), len(r.addresses)
}

// CloseAll gracefully closes every registered connection. Sessions leave
// the registry through their close handlers.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := make([]*domain.Session, 0, len(r.addresses))
	for _, s := range r.addresses {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		_ = s.Conn.Close()
	}
}

// kick notifies s that it was replaced and closes it. Its room has already
// been told that it left.
func (r *Registry) kick(s *domain.Session) {
	r.metrics.IncKicks()
	r.logger.Info().
		Str("room", s.Room).
		Str("address", s.Address()).
		Uint32("alias", s.Alias).
		Msg("Kicking user")

	if err := s.Conn.Send(wire.Encode(&wire.PeerKicked{Reason: kickReason})); err != nil {
		r.logger.Debug().Err(err).Uint32("alias", s.Alias).Msg("Could not notify kicked user")
	}
	_ = s.Conn.Close()
}

func leaveFrame(s *domain.Session) []byte {
	return wire.Encode(&wire.PeerLeave{Alias: s.Alias})
}

// removeLocked drops s from both indexes and returns what is left of its
// room. The address entry is only removed while it still points at s.
func (r *Registry) removeLocked(s *domain.Session) (Room, bool) {
	members, ok := r.rooms[s.Room]
	if !ok {
		return Room{}, false
	}
	if _, ok := members[s]; !ok {
		return Room{}, false
	}

	delete(members, s)
	if r.addresses[s.Address()] == s {
		delete(r.addresses, s.Address())
	}
	if len(members) == 0 {
		delete(r.rooms, s.Room)
		r.logger.Debug().Str("room", s.Room).Msg("Destroying room")
	}

	return snapshot(s.Room, members), true
}

func (r *Registry) observeLocked() {
	r.metrics.SetRoomCount(len(r.rooms))
	r.metrics.SetConnectionCount(len(r.addresses))
}

func snapshot(name string, members map[*domain.Session]struct{}) Room {
	room := Room{Name: name, Members: make([]*domain.Session, 0, len(members))}
	for m := range members {
		room.Members = append(room.Members, m)
	}
	return room
}
