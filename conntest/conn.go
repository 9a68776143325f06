// Package conntest provides an in-memory domain.Connection for tests.
package conntest

import (
	"errors"
	"sync"
	"time"

	"github.com/decentraland/mini-comms/domain"
	"github.com/decentraland/mini-comms/wire"
)

var ErrSendFailed = errors.New("send failed")

type Conn struct {
	id string

	mu         sync.Mutex
	sent       [][]byte
	listeners  map[int]domain.Listener
	nextID     int
	closed     bool
	terminated bool
	buffered   int
	sendErr    error
	arrived    chan struct{}
}

func New(id string) *Conn {
	return &Conn{
		id:        id,
		listeners: make(map[int]domain.Listener),
		arrived:   make(chan struct{}, 1024),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed {
		return domain.ErrClosed
	}
	c.sent = append(c.sent, data)
	select {
	case c.arrived <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) BufferedAmount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close marks the connection closed and fires OnClose, as the real socket
// does once the peer is gone.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	listeners := c.snapshot()
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnClose()
	}
	return nil
}

func (c *Conn) Terminate() {
	c.mu.Lock()
	c.terminated = true
	c.mu.Unlock()
	_ = c.Close()
}

func (c *Conn) Subscribe(l domain.Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Receive delivers an inbound frame to the listeners.
func (c *Conn) Receive(data []byte) {
	c.mu.Lock()
	listeners := c.snapshot()
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnMessage(data)
	}
}

// ReceiveMessage encodes m and delivers it.
func (c *Conn) ReceiveMessage(m wire.Message) {
	c.Receive(wire.Encode(m))
}

// Fail delivers an error followed by a close.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	listeners := c.snapshot()
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnError(err)
	}
	_ = c.Close()
}

func (c *Conn) SetBuffered(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffered = n
}

func (c *Conn) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Conn) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

func (c *Conn) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// Sent returns the decoded frames sent so far.
func (c *Conn) Sent() []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Message, 0, len(c.sent))
	for _, b := range c.sent {
		m, err := wire.Decode(b)
		if err != nil {
			panic(err)
		}
		out = append(out, m)
	}
	return out
}

// Reset forgets the frames sent so far.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// WaitSent blocks until at least n frames were sent or the timeout passes,
// and returns what was sent.
func (c *Conn) WaitSent(n int, timeout time.Duration) []wire.Message {
	deadline := time.After(timeout)
	for {
		if sent := c.Sent(); len(sent) >= n {
			return sent
		}
		select {
		case <-c.arrived:
		case <-deadline:
			return c.Sent()
		}
	}
}

func (c *Conn) snapshot() []domain.Listener {
	out := make([]domain.Listener, 0, len(c.listeners))
	for i := 0; i < c.nextID; i++ {
		if l, ok := c.listeners[i]; ok {
			out = append(out, l)
		}
	}
	return out
}

var _ domain.Connection = (*Conn)(nil)
