package rooms

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decentraland/mini-comms/conntest"
	"github.com/decentraland/mini-comms/domain"
	"github.com/decentraland/mini-comms/metrics"
	"github.com/decentraland/mini-comms/wire"
)

type fixture struct {
	registry    *Registry
	broadcaster *Broadcaster
	metrics     *metrics.Metrics
	aliases     domain.AliasSequence
	conns       []*conntest.Conn
}

func newFixture(threshold int) *fixture {
	m := metrics.New()
	b := NewBroadcaster(zerolog.Nop(), m, threshold)
	return &fixture{
		registry:    NewRegistry(zerolog.Nop(), m, b),
		broadcaster: b,
		metrics:     m,
	}
}

func (f *fixture) session(room, address string) (*domain.Session, *conntest.Conn) {
	conn := conntest.New(fmt.Sprintf("%s-%s", room, address))
	s := domain.NewSession(conn, room, f.aliases.Next())
	s.SetAddress(address)
	f.conns = append(f.conns, conn)
	return s, conn
}

func (f *fixture) join(room, address string) (*domain.Session, *conntest.Conn) {
	s, conn := f.session(room, address)
	if _, err := f.registry.Admit(s); err != nil {
		panic(err)
	}
	return s, conn
}

// settle forgets the admission frames of every connection so far.
func (f *fixture) settle() {
	for _, conn := range f.conns {
		conn.Reset()
	}
}

func TestRegistry_Admit(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *fixture)
		room      string
		wantPeers int
		wantRooms int
	}{
		{
			name:      "first member creates the room",
			setup:     func(f *fixture) {},
			room:      "r1",
			wantPeers: 0,
			wantRooms: 1,
		},
		{
			name: "joins existing room",
			setup: func(f *fixture) {
				f.join("r1", "0xa")
				f.join("r1", "0xb")
			},
			room:      "r1",
			wantPeers: 2,
			wantRooms: 1,
		},
		{
			name: "other rooms are not peers",
			setup: func(f *fixture) {
				f.join("r2", "0xa")
			},
			room:      "r1",
			wantPeers: 0,
			wantRooms: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(0)
			tt.setup(f)

			s, _ := f.session(tt.room, "0xnew")
			admission, err := f.registry.Admit(s)
			require.NoError(t, err)

			assert.Nil(t, admission.Kicked)
			assert.Len(t, admission.Peers, tt.wantPeers)
			assert.NotContains(t, admission.Peers, s.Alias)
			assert.True(t, f.registry.IsAddressActive("0xnew"))
			assert.Equal(t, domain.StageReady, s.Stage())

			rooms, _ := f.registry.Stats()
			assert.Equal(t, tt.wantRooms, rooms)
			assert.Equal(t, float64(tt.wantRooms), f.metrics.Snapshot().Rooms)
		})
	}
}

func TestRegistry_AdmitPeersSnapshot(t *testing.T) {
	f := newFixture(0)
	alice, _ := f.join("r", "0xalice")
	bob, _ := f.join("r", "0xbob")

	s, _ := f.session("r", "0xclohe")
	admission, err := f.registry.Admit(s)
	require.NoError(t, err)

	assert.Equal(t, map[uint32]string{
		alice.Alias: "0xalice",
		bob.Alias:   "0xbob",
	}, admission.Peers)
}

func TestRegistry_AdmitFrames(t *testing.T) {
	f := newFixture(0)
	alice, aliceConn := f.join("r", "0xalice")
	_, otherRoomConn := f.join("q", "0xbob")
	f.settle()

	s, conn := f.session("r", "0xclohe")
	_, err := f.registry.Admit(s)
	require.NoError(t, err)

	assert.Equal(t, []wire.Message{
		&wire.Welcome{Alias: s.Alias, PeerIdentities: map[uint32]string{alice.Alias: "0xalice"}},
	}, conn.Sent())
	assert.Equal(t, []wire.Message{&wire.PeerJoin{Alias: s.Alias, Address: "0xclohe"}}, aliceConn.Sent())
	assert.Empty(t, otherRoomConn.Sent())
}

func TestRegistry_AdmitClosedConnection(t *testing.T) {
	tests := []struct {
		name     string
		prepare  func(conn *conntest.Conn)
		wantErr  error
		wantTerm bool
	}{
		{
			name:    "closed before admission",
			prepare: func(conn *conntest.Conn) { _ = conn.Close() },
			wantErr: domain.ErrClosed,
		},
		{
			name:     "welcome fails",
			prepare:  func(conn *conntest.Conn) { conn.SetSendError(conntest.ErrSendFailed) },
			wantErr:  conntest.ErrSendFailed,
			wantTerm: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(0)
			_, aliceConn := f.join("r", "0xalice")
			f.settle()

			s, conn := f.session("r", "0xbob")
			tt.prepare(conn)

			_, err := f.registry.Admit(s)
			require.ErrorIs(t, err, tt.wantErr)

			assert.False(t, f.registry.IsAddressActive("0xbob"))
			assert.NotEqual(t, domain.StageReady, s.Stage())
			assert.Empty(t, aliceConn.Sent(), "no join for a session that never entered")
			assert.Equal(t, tt.wantTerm, conn.Terminated())

			_, sessions := f.registry.Stats()
			assert.Equal(t, 1, sessions)
		})
	}
}

func TestRegistry_Takeover(t *testing.T) {
	f := newFixture(0)
	first, firstConn := f.join("r", "0xalice")
	bob, bobConn := f.join("r", "0xbob")
	f.settle()

	second, secondConn := f.session("r", "0xalice")
	admission, err := f.registry.Admit(second)
	require.NoError(t, err)

	require.Same(t, first, admission.Kicked)
	assert.Equal(t, map[uint32]string{bob.Alias: "0xbob"}, admission.Peers)

	sent := firstConn.Sent()
	require.Len(t, sent, 1)
	assert.IsType(t, &wire.PeerKicked{}, sent[0])
	assert.False(t, firstConn.IsOpen())

	// the room hears about the old session leaving before the new one joins
	assert.Equal(t, []wire.Message{
		&wire.PeerLeave{Alias: first.Alias},
		&wire.PeerJoin{Alias: second.Alias, Address: "0xalice"},
	}, bobConn.Sent())
	assert.Equal(t, []wire.Message{
		&wire.Welcome{Alias: second.Alias, PeerIdentities: map[uint32]string{bob.Alias: "0xbob"}},
	}, secondConn.Sent())

	current, ok := f.registry.Lookup("0xalice")
	require.True(t, ok)
	assert.Same(t, second, current)

	room := f.registry.Room("r")
	assert.ElementsMatch(t, []*domain.Session{second, bob}, room.Members)

	// a late close of the kicked session must not touch its successor
	assert.False(t, f.registry.Evict(first))
	assert.True(t, f.registry.IsAddressActive("0xalice"))

	assert.Equal(t, 1.0, f.metrics.Snapshot().Kicks)
	assert.Equal(t, 2.0, f.metrics.Snapshot().Connections)
}

func TestRegistry_TakeoverAcrossRooms(t *testing.T) {
	f := newFixture(0)
	first, _ := f.join("old", "0xalice")

	second, _ := f.session("new", "0xalice")
	admission, err := f.registry.Admit(second)
	require.NoError(t, err)

	assert.Same(t, first, admission.Kicked)
	assert.Empty(t, f.registry.Room("old").Members)

	rooms, sessions := f.registry.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 1, sessions)
}

func TestRegistry_Evict(t *testing.T) {
	tests := []struct {
		name        string
		members     []string
		leaving     string
		wantRoom    bool
		wantLeaveTo int
	}{
		{
			name:        "last member removes the room",
			members:     []string{"0xa"},
			leaving:     "0xa",
			wantRoom:    false,
			wantLeaveTo: 0,
		},
		{
			name:        "remaining members get one leave each",
			members:     []string{"0xa", "0xb", "0xc"},
			leaving:     "0xc",
			wantRoom:    true,
			wantLeaveTo: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(0)
			sessions := map[string]*domain.Session{}
			conns := map[string]*conntest.Conn{}
			for _, address := range tt.members {
				sessions[address], conns[address] = f.join("r", address)
			}
			f.settle()

			leaving := sessions[tt.leaving]
			assert.True(t, f.registry.Evict(leaving))
			assert.False(t, f.registry.Evict(leaving), "second evict is a no-op")

			rooms, _ := f.registry.Stats()
			assert.Equal(t, tt.wantRoom, rooms == 1)
			assert.False(t, f.registry.IsAddressActive(tt.leaving))

			got := 0
			for address, conn := range conns {
				if address == tt.leaving {
					assert.Empty(t, conn.Sent())
					continue
				}
				assert.Equal(t, []wire.Message{&wire.PeerLeave{Alias: leaving.Alias}}, conn.Sent())
				got++
			}
			assert.Equal(t, tt.wantLeaveTo, got)
		})
	}
}

func TestRegistry_EvictNeverAdmitted(t *testing.T) {
	f := newFixture(0)
	s, _ := f.session("r", "0xa")

	assert.False(t, f.registry.Evict(s))
	rooms, sessions := f.registry.Stats()
	assert.Zero(t, rooms)
	assert.Zero(t, sessions)
}

func TestRegistry_RoomQueryDoesNotCreate(t *testing.T) {
	f := newFixture(0)

	room := f.registry.Room("nowhere")
	assert.Equal(t, "nowhere", room.Name)
	assert.Empty(t, room.Members)

	rooms, _ := f.registry.Stats()
	assert.Zero(t, rooms)
}

func TestRegistry_SingleSessionPerAddress(t *testing.T) {
	f := newFixture(0)

	sessions := make([]*domain.Session, 50)
	for i := range sessions {
		sessions[i], _ = f.session(fmt.Sprintf("r%d", i%3), "0xalice")
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *domain.Session) {
			defer wg.Done()
			_, err := f.registry.Admit(s)
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()

	rooms, active := f.registry.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 1, active)
	assert.Equal(t, 49.0, f.metrics.Snapshot().Kicks)
}

func TestRegistry_CloseAll(t *testing.T) {
	f := newFixture(0)
	_, a := f.join("r1", "0xa")
	_, b := f.join("r2", "0xb")

	f.registry.CloseAll()

	assert.False(t, a.IsOpen())
	assert.False(t, b.IsOpen())
}
