// Package protocol drives a connection through the rooms handshake and
// routes its traffic once it is READY.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/decentraland/mini-comms/address"
	"github.com/decentraland/mini-comms/authchain"
	"github.com/decentraland/mini-comms/channel"
	"github.com/decentraland/mini-comms/domain"
	"github.com/decentraland/mini-comms/logs"
	"github.com/decentraland/mini-comms/rooms"
	"github.com/decentraland/mini-comms/wire"
)

// Verifier checks that chain ends in a signature over challenge.
type Verifier interface {
	Validate(ctx context.Context, challenge string, chain authchain.Chain) authchain.Result
}

type Timeouts struct {
	Identify  time.Duration
	Challenge time.Duration
	// Auth caps a single Verifier call.
	Auth time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Identify:  time.Second,
		Challenge: time.Second,
		Auth:      10 * time.Second,
	}
}

type Handshake struct {
	timeouts Timeouts
	registry *rooms.Registry
	handler  *Handler
	verifier Verifier
	metrics  domain.Metrics
	logger   zerolog.Logger

	newChallenge func() string
}

func NewHandshake(
	logger zerolog.Logger,
	timeouts Timeouts,
	registry *rooms.Registry,
	handler *Handler,
	verifier Verifier,
	metrics domain.Metrics,
) *Handshake {
	return &Handshake{
		timeouts: timeouts,
		registry: registry,
		handler:  handler,
		verifier: verifier,
		metrics:  metrics,
		logger:   logs.Component(logger, "LinearProtocol"),
		newChallenge: func() string {
			return "dcl-" + uuid.NewString()
		},
	}
}

// Run authenticates s and admits it to its room. Any error is fatal to the
// connection and the caller is expected to close it; s is never left in the
// registry when Run fails before admission.
func (h *Handshake) Run(ctx context.Context, s *domain.Session) error {
	ch := channel.New(s.Conn)
	defer ch.Close()

	s.SetStage(domain.StageIdentifying)
	m, err := ch.Next(ctx, h.timeouts.Identify, "PeerIdentification")
	if err != nil {
		return stepError(err)
	}
	identification, ok := m.(*wire.PeerIdentification)
	if !ok {
		return fmt.Errorf("%w: expected peer identification, got %s", ErrProtocolViolation, wire.Name(m))
	}
	if !address.Valid(identification.Address) {
		return fmt.Errorf("%w: invalid address %q", ErrProtocolViolation, identification.Address)
	}

	normalized := address.Normalize(identification.Address)
	s.SetAddress(normalized)

	challenge := h.newChallenge()
	h.logger.Debug().Str("address", normalized).Str("challenge", challenge).Msg("Generating challenge")

	err = s.Conn.Send(wire.Encode(&wire.Challenge{
		ChallengeToSign:  challenge,
		AlreadyConnected: h.registry.IsAddressActive(normalized),
	}))
	if err != nil {
		return fmt.Errorf("%w: sending challenge: %w", ErrTransport, err)
	}
	s.SetStage(domain.StageChallengeSent)

	m, err = ch.Next(ctx, h.timeouts.Challenge, "SignedChallenge")
	if err != nil {
		return stepError(err)
	}
	signed, ok := m.(*wire.SignedChallenge)
	if !ok {
		return fmt.Errorf("%w: expected signed challenge, got %s", ErrProtocolViolation, wire.Name(m))
	}

	if err := h.authenticate(ctx, ch.Done(), normalized, challenge, signed.AuthChainJSON); err != nil {
		return err
	}

	// nothing else is read through the channel from here on
	ch.Close()
	return h.admit(s)
}

// authenticate gives up on the verifier once closed is done.
func (h *Handshake) authenticate(ctx context.Context, closed <-chan struct{}, normalized, challenge, chainJSON string) error {
	chain, err := authchain.Parse(chainJSON)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if address.Normalize(chain.Owner()) != normalized {
		h.logger.Error().Str("address", normalized).Str("owner", chain.Owner()).Msg("Auth chain owner does not match identified address")
		return fmt.Errorf("%w: chain owner does not match", ErrAuthenticationFailed)
	}

	var cancel context.CancelFunc
	if h.timeouts.Auth > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.timeouts.Auth)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	go func() {
		select {
		case <-closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	result := h.verifier.Validate(ctx, challenge, chain)
	select {
	case <-closed:
		return fmt.Errorf("%w: connection closed during authentication", ErrTransport)
	default:
	}
	if !result.OK {
		h.logger.Error().Str("address", normalized).Str("reason", result.Message).Msg("Authentication failed")
		return ErrAuthenticationFailed
	}
	return nil
}

func (h *Handshake) admit(s *domain.Session) error {
	// subscribed before admission so a close from here on evicts s
	h.handler.Attach(s)

	if _, err := h.registry.Admit(s); err != nil {
		return fmt.Errorf("%w: admitting: %w", ErrTransport, err)
	}

	h.metrics.IncConnectionsTotal()
	return nil
}

// stepError keeps timeouts and context errors as they are and reports a
// closed channel as a transport failure.
func stepError(err error) error {
	if errors.Is(err, channel.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return err
}
