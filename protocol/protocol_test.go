package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/decentraland/mini-comms/authchain"
	"github.com/decentraland/mini-comms/conntest"
	"github.com/decentraland/mini-comms/domain"
	"github.com/decentraland/mini-comms/metrics"
	"github.com/decentraland/mini-comms/rooms"
	"github.com/decentraland/mini-comms/wire"
)

const waitFor = time.Second

// fakeVerifier accepts a chain whose last link payload is the challenge.
type fakeVerifier struct {
	mu      sync.Mutex
	calls   int
	reject  bool
	block   chan struct{}
	entered chan struct{}
}

func (v *fakeVerifier) Validate(ctx context.Context, challenge string, chain authchain.Chain) authchain.Result {
	v.mu.Lock()
	v.calls++
	block, entered := v.block, v.entered
	v.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return authchain.Result{Message: ctx.Err().Error()}
		}
	}

	if v.reject || chain[len(chain)-1].Payload != challenge {
		return authchain.Result{Message: "rejected"}
	}
	return authchain.Result{OK: true}
}

func (v *fakeVerifier) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type harness struct {
	t           *testing.T
	registry    *rooms.Registry
	broadcaster *rooms.Broadcaster
	metrics     *metrics.Metrics
	verifier    *fakeVerifier
	handler     *Handler
	handshake   *Handshake
	aliases     domain.AliasSequence
}

func newHarness(t *testing.T, timeouts Timeouts) *harness {
	m := metrics.New()
	b := rooms.NewBroadcaster(zerolog.Nop(), m, 0)
	r := rooms.NewRegistry(zerolog.Nop(), m, b)
	v := &fakeVerifier{}
	handler := NewHandler(zerolog.Nop(), r, b, m)
	return &harness{
		t:           t,
		registry:    r,
		broadcaster: b,
		metrics:     m,
		verifier:    v,
		handler:     handler,
		handshake:   NewHandshake(zerolog.Nop(), timeouts, r, handler, v, m),
	}
}

func fastTimeouts() Timeouts {
	return Timeouts{Identify: 200 * time.Millisecond, Challenge: 200 * time.Millisecond, Auth: time.Second}
}

// start runs the handshake in the background and waits until it listens.
func (h *harness) start(room string) (*domain.Session, *conntest.Conn, <-chan error) {
	conn := conntest.New(fmt.Sprintf("conn-%d", h.aliases.Next()))
	s, done := h.run(room, conn, conn)
	return s, conn, done
}

// run is start for a connection that wraps transport.
func (h *harness) run(room string, transport *conntest.Conn, conn domain.Connection) (*domain.Session, <-chan error) {
	s := domain.NewSession(conn, room, h.aliases.Next())

	done := make(chan error, 1)
	go func() { done <- h.handshake.Run(context.Background(), s) }()

	require.Eventually(h.t, func() bool { return transport.Listeners() > 0 }, waitFor, time.Millisecond)
	return s, done
}

// identify sends the identification and returns the challenge.
func (h *harness) identify(conn *conntest.Conn, address string) *wire.Challenge {
	conn.ReceiveMessage(&wire.PeerIdentification{Address: address})
	sent := conn.WaitSent(1, waitFor)
	require.NotEmpty(h.t, sent)
	challenge, ok := sent[0].(*wire.Challenge)
	require.True(h.t, ok, "expected challenge, got %T", sent[0])
	return challenge
}

func signedChain(t *testing.T, owner, challenge string) string {
	data, err := json.Marshal(authchain.Chain{
		{Type: authchain.Signer, Payload: owner},
		{Type: authchain.ECDSASignedEntity, Payload: challenge, Signature: "0x00"},
	})
	require.NoError(t, err)
	return string(data)
}

// connect completes a handshake for address in room.
func (h *harness) connect(room, address string) (*domain.Session, *conntest.Conn) {
	s, conn, done := h.start(room)
	challenge := h.identify(conn, address)
	conn.ReceiveMessage(&wire.SignedChallenge{AuthChainJSON: signedChain(h.t, address, challenge.ChallengeToSign)})
	require.NoError(h.t, wait(h.t, done))
	return s, conn
}

func wait(t *testing.T, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("handshake did not finish")
		return nil
	}
}

func ofType[T wire.Message](messages []wire.Message) []T {
	var out []T
	for _, m := range messages {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
