package domain

import (
	"errors"
	"sync/atomic"
)

// ErrClosed is returned by Connection.Send once the connection is closing
// or closed. It is not a transport failure.
var ErrClosed = errors.New("connection closed")

// Listener receives the events of one connection. Callbacks run on the
// connection's read goroutine and must not block.
type Listener interface {
	OnMessage(data []byte)
	OnError(err error)
	OnClose()
}

type Connection interface {
	ID() string
	// Send queues a binary frame without blocking. An error means the peer
	// cannot keep up or is gone.
	Send(data []byte) error
	// BufferedAmount is the number of bytes queued but not yet written.
	BufferedAmount() int
	IsOpen() bool
	// Close flushes queued frames and then closes the socket.
	Close() error
	// Terminate drops the socket immediately.
	Terminate()
	// Subscribe attaches l until the returned func is called.
	Subscribe(l Listener) (unsubscribe func())
}

// Metrics is the sink for room and connection counters.
type Metrics interface {
	SetRoomCount(n int)
	SetConnectionCount(n int)
	IncConnectionsTotal()
	IncKicks()
	IncSentMessages()
	IncUnknownMessages()
	IncDroppedUnreliable()
}

type Stage int32

const (
	StageIdentifying Stage = iota
	StageChallengeSent
	StageReady
)

func (s Stage) String() string {
	switch s {
	case StageIdentifying:
		return "IDENTIFYING"
	case StageChallengeSent:
		return "CHALLENGE_SENT"
	case StageReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// Session is one connection going through the handshake and, once READY,
// a member of exactly one room. It owns its connection.
type Session struct {
	Conn  Connection
	Alias uint32
	Room  string

	address atomic.Pointer[string]
	stage   atomic.Int32
}

func NewSession(conn Connection, room string, alias uint32) *Session {
	return &Session{Conn: conn, Room: room, Alias: alias}
}

// Address is empty until the handshake has authenticated the peer.
func (s *Session) Address() string {
	if p := s.address.Load(); p != nil {
		return *p
	}
	return ""
}

func (s *Session) SetAddress(address string) {
	s.address.Store(&address)
}

func (s *Session) Stage() Stage {
	return Stage(s.stage.Load())
}

func (s *Session) SetStage(stage Stage) {
	s.stage.Store(int32(stage))
}

// AliasSequence hands out process-wide aliases. The first alias is 1 so
// that 0 never names a peer.
type AliasSequence struct {
	last atomic.Uint32
}

func (a *AliasSequence) Next() uint32 {
	return a.last.Add(1)
}
