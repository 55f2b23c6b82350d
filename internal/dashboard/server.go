// Package dashboard serves live sync progress over WebSocket.
//
// Connected clients receive the last run's status on connect and then one
// message per engine event, in order. The server also exposes /health and
// the Prometheus /metrics endpoint.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultAddr is the listen address used when Config.Addr is empty.
const DefaultAddr = "127.0.0.1:8080"

const writeTimeout = 5 * time.Second

// MessageType names the payload carried in Message.Data.
type MessageType string

const (
	// MessageTypeStatus carries the last completed run; sent on connect.
	MessageTypeStatus MessageType = "status"

	// MessageTypeRunStarted announces a run.
	MessageTypeRunStarted MessageType = "run_started"

	// MessageTypeFile carries the planner's decision for one file.
	MessageTypeFile MessageType = "file"

	// MessageTypeRunComplete carries the stats of a finished run.
	MessageTypeRunComplete MessageType = "run_complete"
)

// Message is the envelope written to clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config holds server settings.
type Config struct {
	// Addr to listen on (default: DefaultAddr). Port 0 picks a free port.
	Addr string

	// Gatherer backs /metrics (default: the global Prometheus registry).
	Gatherer prometheus.Gatherer

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// Server accepts dashboard clients and fans messages out to them.
type Server struct {
	cfg      Config
	listener net.Listener
	http     *http.Server
	hub      *hub

	statusMu sync.RWMutex
	status   Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer returns a server for config. A nil config uses the defaults.
func NewServer(config *Config) *Server {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		hub:    newHub(),
		status: Message{Type: MessageTypeStatus},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cfg.Logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cfg.Logger.Printf("Dashboard server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()
	for _, c := range s.hub.drain() {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if shutdownErr := s.http.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shut down dashboard: %w", shutdownErr)
		}
	}
	s.wg.Wait()
	s.cfg.Logger.Println("Dashboard stopped")
	return err
}

// Broadcast queues msg for every connected client. A zero Timestamp is set
// to the current time.
func (s *Server) Broadcast(msg Message) {
	if s.ctx.Err() != nil {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.cfg.Logger.Printf("Warning: failed to encode %s message: %v", msg.Type, err)
		return
	}
	for _, c := range s.hub.publish(data) {
		s.cfg.Logger.Println("Warning: dropping client that is not keeping up")
		go c.conn.Close(websocket.StatusPolicyViolation, "too slow")
	}
}

// SetStatus replaces the message sent to clients on connect.
func (s *Server) SetStatus(msg Message) {
	msg.Type = MessageTypeStatus
	s.statusMu.Lock()
	s.status = msg
	s.statusMu.Unlock()
}

func (s *Server) currentStatus() Message {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// GetAddr returns the bound address once started, else the configured one.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.hub.len()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.cfg.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	status := s.currentStatus()
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	first, _ := json.Marshal(status)

	c := newClient(conn)
	n := s.hub.add(c, first)
	s.cfg.Logger.Printf("Client connected (%d total)", n)

	s.wg.Add(2)
	go s.writeLoop(c)
	go s.readLoop(c)
}

// writeLoop sends queued messages until the queue is closed.
func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	for data := range c.send {
		ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.disconnect(c, err)
			return
		}
	}
}

// readLoop discards client messages and notices disconnects.
func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	for {
		if _, _, err := c.conn.Read(s.ctx); err != nil {
			s.disconnect(c, err)
			return
		}
	}
}

func (s *Server) disconnect(c *client, cause error) {
	removed, n := s.hub.remove(c)
	if !removed {
		return
	}
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	if websocket.CloseStatus(cause) == -1 && s.ctx.Err() == nil {
		s.cfg.Logger.Printf("Client dropped: %v (%d total)", cause, n)
		return
	}
	s.cfg.Logger.Printf("Client disconnected (%d total)", n)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status  string          `json:"status"`
		Clients int             `json:"clients"`
		LastRun json.RawMessage `json:"last_run,omitempty"`
	}{
		Status:  "ok",
		Clients: s.ClientCount(),
		LastRun: s.currentStatus().Data,
	})
}
