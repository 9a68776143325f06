package protocol

import (
	"github.com/rs/zerolog"

	"github.com/decentraland/mini-comms/domain"
	"github.com/decentraland/mini-comms/logs"
	"github.com/decentraland/mini-comms/rooms"
	"github.com/decentraland/mini-comms/wire"
)

// Handler routes the traffic of READY sessions.
type Handler struct {
	registry    *rooms.Registry
	broadcaster *rooms.Broadcaster
	metrics     domain.Metrics
	logger      zerolog.Logger
}

func NewHandler(logger zerolog.Logger, registry *rooms.Registry, broadcaster *rooms.Broadcaster, metrics domain.Metrics) *Handler {
	return &Handler{
		registry:    registry,
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logs.Component(logger, "LinearProtocol"),
	}
}

// Handle relays a PeerUpdate to the rest of the sender's room under the
// sender's own alias. Every other packet kind is counted and ignored.
func (h *Handler) Handle(s *domain.Session, data []byte) {
	m, err := wire.Decode(data)
	if err != nil {
		h.logger.Warn().Err(err).Uint32("alias", s.Alias).Msg("Invalid packet, terminating")
		s.Conn.Terminate()
		return
	}

	switch m := m.(type) {
	case *wire.PeerUpdate:
		relay := &wire.PeerUpdate{
			FromAlias:  s.Alias,
			Body:       m.Body,
			Unreliable: m.Unreliable,
		}
		h.broadcaster.Deliver(wire.Encode(relay), h.registry.Room(s.Room), s, !m.Unreliable)
	default:
		h.metrics.IncUnknownMessages()
		h.logger.Debug().Uint32("alias", s.Alias).Str("packet", wire.Name(m)).Msg("Ignoring packet")
	}
}

// Attach routes s's frames to Handle once it is READY and evicts it from
// the registry when its connection closes.
func (h *Handler) Attach(s *domain.Session) (detach func()) {
	return s.Conn.Subscribe(&sessionListener{handler: h, session: s})
}

type sessionListener struct {
	handler *Handler
	session *domain.Session
}

func (l *sessionListener) OnMessage(data []byte) {
	if l.session.Stage() != domain.StageReady {
		return
	}
	l.handler.Handle(l.session, data)
}

func (l *sessionListener) OnError(err error) {
	l.handler.logger.Debug().Err(err).Uint32("alias", l.session.Alias).Msg("Connection error")
}

func (l *sessionListener) OnClose() {
	l.handler.registry.Evict(l.session)
}
