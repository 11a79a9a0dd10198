package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trustd/internal/engine"
	"trustd/internal/logging"
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Server is the IPC server that manages client connections. It is also
// an engine.Sink: events it receives are forwarded to subscribers.
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	cfg         ServerConfig
	handler     Handler
	clients     map[string]*Client
	subscribers map[string]*subscription
	startedAt   time.Time
	log         *logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32

	eventChan chan *Event
	eventMu   sync.RWMutex
}

// Client represents a connected client
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Version      string
	Name         string
	ConnectedAt  time.Time
	LastActivity time.Time

	writeMu sync.Mutex
}

type subscription struct {
	clientID string
	events   map[string]bool // empty means all
}

func (s *subscription) wants(name string) bool {
	return len(s.events) == 0 || s.events[name]
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Version        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int

	// VerifyPeers rejects connections from other users.
	VerifyPeers bool
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:     socketPath,
		Version:        "1.0.0",
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 16,
		VerifyPeers:    true,
	}
}

const eventBuffer = 256

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler, log *logging.Logger) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}
	if log == nil {
		log = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:         cfg,
		handler:     handler,
		clients:     make(map[string]*Client),
		subscribers: make(map[string]*subscription),
		log:         log.WithComponent("ipc"),
		ctx:         ctx,
		cancel:      cancel,
		eventChan:   make(chan *Event, eventBuffer),
	}
}

// Start begins listening for connections
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("%w: %s", ErrAlreadyListening, s.cfg.SocketPath)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	// Owner only
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(2)
	go s.eventBroadcaster()
	go s.acceptLoop()

	s.log.Info("control socket listening", "path", s.cfg.SocketPath)
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	s.eventMu.Lock()
	close(s.eventChan)
	s.eventMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("ipc shutdown timed out")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// StartedAt returns when the server started listening.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Emit forwards an engine event to subscribers. It never blocks: when the
// broadcast buffer is full the event is dropped.
func (s *Server) Emit(ev engine.Event) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		s.log.Warn("encode event", "event", ev.Name, "error", err)
		return
	}
	s.Broadcast(&Event{Name: ev.Name, TS: ev.TS, Data: data})
}

// Broadcast sends an event to all subscribed clients
func (s *Server) Broadcast(event *Event) {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()
	if !s.running.Load() {
		return
	}
	select {
	case s.eventChan <- event:
	default:
		s.log.Debug("event buffer full, dropping", "event", event.Name)
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		if s.cfg.VerifyPeers {
			ok, err := VerifyPeerIsCurrentUser(conn)
			if err != nil || !ok {
				s.log.Warn("rejected connection from another user", "error", err)
				conn.Close()
				continue
			}
		}

		s.mu.RLock()
		count := len(s.clients)
		s.mu.RUnlock()
		if count >= s.cfg.MaxConnections {
			s.log.Warn("connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}

		now := time.Now()
		client := &Client{
			ID:           uuid.NewString(),
			conn:         conn,
			ConnectedAt:  now,
			LastActivity: now,
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		client.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		client.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := ReadMessage(client.conn)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Idle subscribers are kept alive with a ping.
				if err := s.sendMessage(client, NewMessage(MsgPing, s.nextRequestID.Add(1), nil)); err != nil {
					return
				}
				continue
			}
			s.log.Debug("read failed", "client", client.ID, "error", err)
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			response = NewErrorMessage(msg.Header.RequestID, CodeInternal, err.Error())
		}
		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil
	case MsgPong:
		return nil, nil
	case MsgHandshake:
		return s.handleHandshake(client, msg)
	case MsgSubscribe:
		return s.handleSubscribe(client, msg)
	case MsgUnsubscribe:
		s.mu.Lock()
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil
	default:
		if s.handler != nil {
			return s.handler.HandleMessage(s.ctx, client, msg)
		}
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "no handler"), nil
	}
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid handshake"), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	client.mu.Unlock()
	s.log.Debug("client connected", "client", client.ID, "name", req.ClientName, "version", req.ClientVersion)

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        client.ID,
	})
}

func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid subscribe request"), nil
	}

	sub := &subscription{clientID: client.ID, events: make(map[string]bool, len(req.Events))}
	for _, name := range req.Events {
		sub.events[name] = true
	}
	s.mu.Lock()
	s.subscribers[client.ID] = sub
	s.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{SubscriptionID: client.ID})
}

// eventBroadcaster delivers events to subscribers in emission order.
func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for event := range s.eventChan {
		payload, err := Encode(event)
		if err != nil {
			continue
		}

		s.mu.RLock()
		targets := make([]*Client, 0, len(s.subscribers))
		for clientID, sub := range s.subscribers {
			if !sub.wants(event.Name) {
				continue
			}
			if client, ok := s.clients[clientID]; ok {
				targets = append(targets, client)
			}
		}
		s.mu.RUnlock()

		for _, client := range targets {
			msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
			if err := s.sendMessage(client, msg); err != nil {
				s.log.Debug("event delivery failed", "client", client.ID, "error", err)
				client.conn.Close()
			}
		}
	}
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(client.conn)
}
