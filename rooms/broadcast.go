package rooms

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/decentraland/mini-comms/domain"
	"github.com/decentraland/mini-comms/logs"
)

// Broadcaster fans frames out to room members. It never blocks on a slow
// peer: unreliable frames are dropped under pressure and a failed send
// terminates only that peer.
type Broadcaster struct {
	logger    zerolog.Logger
	metrics   domain.Metrics
	threshold int
}

// NewBroadcaster drops unreliable frames for a peer once more than
// threshold bytes are queued on its connection. A negative threshold never
// drops.
func NewBroadcaster(logger zerolog.Logger, metrics domain.Metrics, threshold int) *Broadcaster {
	return &Broadcaster{
		logger:    logs.Component(logger, "Broadcaster"),
		metrics:   metrics,
		threshold: threshold,
	}
}

// Deliver sends message to every member of room except sender. A nil
// sender reaches every member.
func (b *Broadcaster) Deliver(message []byte, room Room, sender *domain.Session, reliable bool) {
	terminate(b.fanOut(message, room.Members, sender, reliable))
}

// SendTo reports whether message was handed to the connection.
func (b *Broadcaster) SendTo(s *domain.Session, message []byte, reliable bool) bool {
	sent, err := b.send(s, message, reliable)
	if err != nil {
		s.Conn.Terminate()
	}
	return sent
}

// fanOut queues message to members and returns the ones whose send failed,
// leaving their termination to the caller. It never fires connection
// callbacks, so it may run under the registry lock.
func (b *Broadcaster) fanOut(message []byte, members []*domain.Session, sender *domain.Session, reliable bool) []*domain.Session {
	var failed []*domain.Session
	for _, member := range members {
		if member == sender {
			continue
		}
		if _, err := b.send(member, message, reliable); err != nil {
			failed = append(failed, member)
		}
	}
	return failed
}

// send returns an error only for a transport failure. A connection that is
// closed or closing, and a dropped unreliable frame, are silent no-ops.
func (b *Broadcaster) send(s *domain.Session, message []byte, reliable bool) (bool, error) {
	conn := s.Conn
	if !conn.IsOpen() {
		return false, nil
	}

	if !reliable && b.threshold >= 0 && conn.BufferedAmount() > b.threshold {
		b.metrics.IncDroppedUnreliable()
		b.logger.Debug().
			Uint32("alias", s.Alias).
			Int("buffered", conn.BufferedAmount()).
			Msg("Dropping unreliable message")
		return false, nil
	}

	if err := conn.Send(message); err != nil {
		if errors.Is(err, domain.ErrClosed) {
			return false, nil
		}
		b.logger.Warn().
			Err(err).
			Uint32("alias", s.Alias).
			Str("connection", conn.ID()).
			Msg("Send failed, terminating peer")
		return false, err
	}

	b.metrics.IncSentMessages()
	return true, nil
}

func terminate(sessions []*domain.Session) {
	for _, s := range sessions {
		s.Conn.Terminate()
	}
}
