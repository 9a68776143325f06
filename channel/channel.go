// Package channel turns the push-style events of a connection into a pull
// interface, so a multi-step protocol can be written as a sequence of
// "wait for the next packet" calls with deadlines.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decentraland/mini-comms/domain"
	"github.com/decentraland/mini-comms/wire"
)

// queueSize bounds how many decoded packets may wait for Next. A peer that
// overruns it is terminated.
const queueSize = 32

var (
	ErrTimeout = errors.New("timed out")
	ErrClosed  = errors.New("channel closed")
)

// TimeoutError carries the description given to Next. It matches
// ErrTimeout with errors.Is.
type TimeoutError struct {
	Description string
}

func (e *TimeoutError) Error() string {
	return ErrTimeout.Error() + ": " + e.Description
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

type Channel struct {
	conn        domain.Connection
	queue       chan wire.Message
	done        chan struct{}
	once        sync.Once
	unsubscribe func()
}

// New subscribes to conn. Callers must Close the channel when done, which
// detaches it from the connection.
func New(conn domain.Connection) *Channel {
	c := &Channel{
		conn:  conn,
		queue: make(chan wire.Message, queueSize),
		done:  make(chan struct{}),
	}
	c.unsubscribe = conn.Subscribe(c)
	return c
}

// Next waits for the next decoded packet. A zero timeout waits until the
// context ends or the connection closes.
func (c *Channel) Next(ctx context.Context, timeout time.Duration, description string) (wire.Message, error) {
	// packets that arrived before a close are still delivered
	select {
	case m := <-c.queue:
		return m, nil
	default:
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case m := <-c.queue:
		return m, nil
	case <-c.done:
		return nil, fmt.Errorf("%w: %s", ErrClosed, description)
	case <-deadline:
		return nil, &TimeoutError{Description: description}
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", description, ctx.Err())
	}
}

// Done is closed once the channel is closed, either by Close or because the
// connection closed or failed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close detaches the channel from the connection. It is safe to call more
// than once.
func (c *Channel) Close() {
	c.once.Do(func() {
		c.unsubscribe()
		close(c.done)
	})
}

func (c *Channel) OnMessage(data []byte) {
	m, err := wire.Decode(data)
	if err != nil {
		c.conn.Terminate()
		c.Close()
		return
	}

	select {
	case <-c.done:
	case c.queue <- m:
	default:
		c.conn.Terminate()
		c.Close()
	}
}

func (c *Channel) OnError(error) {
	c.Close()
}

func (c *Channel) OnClose() {
	c.Close()
}
