// Package websocket adapts a gorilla websocket to domain.Connection.
package websocket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/decentraland/mini-comms/domain"
	"github.com/decentraland/mini-comms/logs"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
)

var (
	ErrClosed    = domain.ErrClosed
	ErrQueueFull = errors.New("send queue full")
)

// Conn runs one read pump and one write pump per socket. Outbound frames go
// through a bounded queue whose byte size is reported as the buffered
// amount.
type Conn struct {
	id     string
	ws     *websocket.Conn
	logger zerolog.Logger

	send     chan []byte
	buffered atomic.Int64
	open     atomic.Bool

	mu        sync.Mutex
	closing   bool
	listeners map[int]domain.Listener
	nextID    int

	readOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func NewConn(id string, ws *websocket.Conn, logger zerolog.Logger) *Conn {
	c := &Conn{
		id:        id,
		ws:        ws,
		logger:    logs.Component(logger, "WebsocketHandler").With().Str("connection", id).Logger(),
		send:      make(chan []byte, sendQueueSize),
		listeners: make(map[int]domain.Listener),
		done:      make(chan struct{}),
	}
	c.open.Store(true)
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || !c.open.Load() {
		return ErrClosed
	}

	select {
	case c.send <- data:
		c.buffered.Add(int64(len(data)))
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Conn) BufferedAmount() int {
	return int(c.buffered.Load())
}

func (c *Conn) IsOpen() bool {
	return c.open.Load()
}

// Close stops accepting frames, lets the write pump flush what is queued
// and then sends a close frame.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closing {
		c.closing = true
		close(c.send)
	}
	return nil
}

// Terminate drops the socket without flushing.
func (c *Conn) Terminate() {
	_ = c.ws.Close()
	c.shutdown()
}

// Subscribe attaches l. The first subscription starts the read pump, so no
// inbound frame is dispatched before someone listens.
func (c *Conn) Subscribe(l domain.Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.readOnce.Do(func() { go c.readPump() })

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Start launches the write pump.
func (c *Conn) Start() {
	go c.writePump()
}

// Done is closed once the socket is gone and OnClose has been dispatched.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) readPump() {
	defer c.shutdown()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("Read error")
				for _, l := range c.snapshot() {
					l.OnError(err)
				}
			}
			return
		}

		if kind != websocket.BinaryMessage {
			c.logger.Debug().Int("kind", kind).Msg("Ignoring non-binary frame")
			continue
		}

		for _, l := range c.snapshot() {
			l.OnMessage(data)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			err := c.ws.WriteMessage(websocket.BinaryMessage, message)
			c.buffered.Add(-int64(len(message)))
			if err != nil {
				c.logger.Debug().Err(err).Msg("Write error")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// shutdown marks the connection closed before notifying listeners, so a
// listener that checks IsOpen never sees a closed socket as open.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		_ = c.ws.Close()

		for _, l := range c.snapshot() {
			l.OnClose()
		}
		close(c.done)
	})
}

func (c *Conn) snapshot() []domain.Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Listener, 0, len(c.listeners))
	for i := 0; i < c.nextID; i++ {
		if l, ok := c.listeners[i]; ok {
			out = append(out, l)
		}
	}
	return out
}

var _ domain.Connection = (*Conn)(nil)
