// Package server exposes the rooms websocket endpoint and the status
// routes over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/decentraland/mini-comms/domain"
	"github.com/decentraland/mini-comms/logs"
	"github.com/decentraland/mini-comms/metrics"
	"github.com/decentraland/mini-comms/protocol"
	"github.com/decentraland/mini-comms/rooms"
	wsconn "github.com/decentraland/mini-comms/websocket"
)

type Server struct {
	logger    zerolog.Logger
	router    *httprouter.Router
	server    *http.Server
	upgrader  websocket.Upgrader
	registry  *rooms.Registry
	handshake *protocol.Handshake
	metrics   *metrics.Metrics
	aliases   domain.AliasSequence

	// ctx bounds in-flight handshakes; it ends on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(logger zerolog.Logger, addr string, registry *rooms.Registry, handshake *protocol.Handshake, m *metrics.Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger: logs.Component(logger, "WebsocketHandler"),
		router: httprouter.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		registry:  registry,
		handshake: handshake,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
	}

	s.setupRoutes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/rooms/:roomId", s.handleRoom)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/stats", s.handleStats)
	s.router.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Server starting")
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, aborts pending handshakes and
// closes every admitted session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Server shutting down")
	err := s.server.Shutdown(ctx)

	s.cancel()
	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("roomId")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Upgrade failed")
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	conn := wsconn.NewConn(uuid.NewString(), ws, s.logger)
	conn.Start()

	session := domain.NewSession(conn, roomID, s.aliases.Next())
	if err := s.handshake.Run(s.ctx, session); err != nil {
		s.logger.Info().
			Err(err).
			Str("room", roomID).
			Uint32("alias", session.Alias).
			Str("stage", session.Stage().String()).
			Msg("Handshake failed")
		_ = conn.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	roomCount, connections := s.registry.Stats()
	writeJSON(w, map[string]int{"rooms": roomCount, "connections": connections})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
