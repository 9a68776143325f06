package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decentraland/mini-comms/conntest"
	"github.com/decentraland/mini-comms/wire"
)

func TestChannel_Next(t *testing.T) {
	ctx := context.Background()

	t.Run("yields decoded packets in order", func(t *testing.T) {
		conn := conntest.New("c1")
		ch := New(conn)
		defer ch.Close()

		conn.ReceiveMessage(&wire.PeerIdentification{Address: "0xa"})
		conn.ReceiveMessage(&wire.SignedChallenge{AuthChainJSON: "[]"})

		m, err := ch.Next(ctx, time.Second, "first")
		require.NoError(t, err)
		assert.Equal(t, &wire.PeerIdentification{Address: "0xa"}, m)

		m, err = ch.Next(ctx, time.Second, "second")
		require.NoError(t, err)
		assert.Equal(t, &wire.SignedChallenge{AuthChainJSON: "[]"}, m)
	})

	t.Run("waits for a packet that arrives later", func(t *testing.T) {
		conn := conntest.New("c1")
		ch := New(conn)
		defer ch.Close()

		go func() {
			time.Sleep(20 * time.Millisecond)
			conn.ReceiveMessage(&wire.PeerLeave{Alias: 3})
		}()

		m, err := ch.Next(ctx, time.Second, "late")
		require.NoError(t, err)
		assert.Equal(t, &wire.PeerLeave{Alias: 3}, m)
	})

	t.Run("times out with the description", func(t *testing.T) {
		conn := conntest.New("c1")
		ch := New(conn)
		defer ch.Close()

		_, err := ch.Next(ctx, 20*time.Millisecond, "waiting for peer identification")
		require.ErrorIs(t, err, ErrTimeout)

		var timeout *TimeoutError
		require.True(t, errors.As(err, &timeout))
		assert.Equal(t, "waiting for peer identification", timeout.Description)
	})

	t.Run("close of the connection fails pending next", func(t *testing.T) {
		conn := conntest.New("c1")
		ch := New(conn)
		defer ch.Close()

		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = conn.Close()
		}()

		_, err := ch.Next(ctx, time.Second, "closing")
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("transport error closes the channel", func(t *testing.T) {
		conn := conntest.New("c1")
		ch := New(conn)
		defer ch.Close()

		conn.Fail(errors.New("reset by peer"))

		_, err := ch.Next(ctx, time.Second, "after error")
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("undecodable frame terminates the connection", func(t *testing.T) {
		conn := conntest.New("c1")
		ch := New(conn)
		defer ch.Close()

		conn.Receive([]byte{1, 2, 3, 4, 5, 6})

		_, err := ch.Next(ctx, time.Second, "noise")
		assert.ErrorIs(t, err, ErrClosed)
		assert.True(t, conn.Terminated())
	})

	t.Run("unknown packets are delivered, not rejected", func(t *testing.T) {
		conn := conntest.New("c1")
		ch := New(conn)
		defer ch.Close()

		conn.Receive([]byte{})

		m, err := ch.Next(ctx, time.Second, "unknown")
		require.NoError(t, err)
		assert.IsType(t, &wire.Unknown{}, m)
	})

	t.Run("context cancellation", func(t *testing.T) {
		conn := conntest.New("c1")
		ch := New(conn)
		defer ch.Close()

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := ch.Next(cancelled, 0, "cancelled")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestChannel_Overflow(t *testing.T) {
	conn := conntest.New("c1")
	ch := New(conn)
	defer ch.Close()

	for i := 0; i <= queueSize; i++ {
		conn.ReceiveMessage(&wire.PeerLeave{Alias: uint32(i + 1)})
	}

	assert.True(t, conn.Terminated())
}

func TestChannel_Close(t *testing.T) {
	conn := conntest.New("c1")
	ch := New(conn)
	require.Equal(t, 1, conn.Listeners())

	ch.Close()
	ch.Close()

	assert.Equal(t, 0, conn.Listeners())
	_, err := ch.Next(context.Background(), time.Second, "closed")
	assert.ErrorIs(t, err, ErrClosed)
}
