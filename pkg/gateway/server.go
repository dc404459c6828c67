package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/almas/drover/internal/observability"
	"github.com/almas/drover/pkg/taskstore"
	"github.com/almas/drover/pkg/workerpool"
)

// Config holds server configuration
type Config struct {
	Host          string
	Port          int
	SharedSecret  string
	StatsInterval time.Duration
	Logger        zerolog.Logger
}

// Server exposes run progress over HTTP and WebSocket: live task events
// on /ws, Prometheus metrics on /metrics, a queue snapshot on /stats.
// It implements workerpool.Notifier so the pool can feed it directly.
type Server struct {
	host           string
	port           int
	statsInterval  time.Duration
	server         *http.Server
	listener       net.Listener
	upgrader       websocket.Upgrader
	authHandler    *AuthHandler
	broadcaster    *Broadcaster
	store          *taskstore.Store
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	statsCancel    context.CancelFunc
	statsWG        sync.WaitGroup
}

// NewServer creates a gateway server backed by the given task store.
func NewServer(cfg Config, store *taskstore.Store) (*Server, error) {
	// Port 0 asks the kernel for an ephemeral port, reported by Addr.
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if store == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 15 * time.Second
	}

	return &Server{
		host:          cfg.Host,
		port:          cfg.Port,
		statsInterval: cfg.StatsInterval,
		authHandler:   NewAuthHandler(cfg.SharedSecret),
		broadcaster:   NewBroadcaster(cfg.Logger),
		store:         store,
		logger:        cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Clients exposes the event fan-out, for callers that push their own
// events alongside the pool's.
func (s *Server) Clients() *Broadcaster {
	return s.broadcaster
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Notify implements workerpool.Notifier by broadcasting the event to
// connected clients.
func (s *Server) Notify(event workerpool.Event) {
	s.broadcaster.Broadcast("task."+event.Type, event)
}

// Start binds the listener and begins serving. It does not block.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler: mux,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startStatsEmitter()

	return nil
}

// Stop gracefully stops the gateway server
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.stopStatsEmitter()

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	for _, client := range s.broadcaster.All() {
		client.Conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) startStatsEmitter() {
	statsCtx, cancel := context.WithCancel(context.Background())
	s.statsCancel = cancel
	s.statsWG.Add(1)

	go func() {
		defer s.statsWG.Done()

		ticker := time.NewTicker(s.statsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-statsCtx.Done():
				return
			case <-ticker.C:
				stats, err := s.store.Stats(statsCtx)
				if err != nil {
					s.logger.Warn().Err(err).Msg("Failed to read queue stats")
					continue
				}
				s.broadcaster.Broadcast("queue.stats", stats)
			}
		}
	}()
}

func (s *Server) stopStatsEmitter() {
	if s.statsCancel != nil {
		s.statsCancel()
		s.statsCancel = nil
	}
	s.statsWG.Wait()
}

// handleStats serves a point-in-time queue snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to read queue stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode stats response")
	}
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
	}

	s.broadcaster.Add(client)

	s.logger.Info().
		Str("client_id", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to send auth challenge")
		conn.Close()
		s.broadcaster.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

// sendAuthChallenge sends an authentication challenge to a client
func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge

	return client.WriteJSON(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

// handleClient reads messages from a client until it disconnects. The
// only message clients send is the auth response; everything else on
// this socket is server-initiated.
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.broadcaster.Remove(client.ID)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			break
		}

		client.LastActivity = time.Now()
		s.handleMessage(client, message)
	}
}

// handleMessage handles a single message from a client
func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(client, authResp)
		return
	}

	if !client.Authenticated {
		_ = client.WriteJSON(AuthResult{
			Event:   "auth.failure",
			Message: "Authentication required",
		})
	}
}

// handleAuthMessage handles authentication messages
func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().
			Str("client_id", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")

		// Close connection after 3 failed attempts
		if client.AuthAttempts >= 3 {
			client.Conn.Close()
		}
	} else {
		s.logger.Info().Str("client_id", client.ID).Msg("Client authenticated")
	}
}
