package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"trustd/internal/alerts"
	"trustd/internal/config"
	"trustd/internal/engine"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// IPCClient talks to the trustd daemon over its control socket. Requests
// may be issued from several goroutines; responses are matched by
// request ID.
type IPCClient struct {
	mu        sync.RWMutex
	conn      net.Conn
	clientID  string
	version   string
	dialed    bool
	connected atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32
	writeMu   sync.Mutex

	events chan *Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "trustctl",
		ClientVersion:  "1.0.0",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &IPCClient{
		pending: make(map[uint32]chan *Message),
		events:  make(chan *Event, eventBuffer),
		ctx:     ctx,
		cancel:  cancel,
		config:  cfg,
	}
}

// Connect dials the daemon and performs the handshake.
func (c *IPCClient) Connect() error {
	c.mu.Lock()
	if c.connected.Load() {
		c.mu.Unlock()
		return nil
	}
	// A client streams events over a single connection; make a new one
	// to reconnect.
	if c.dialed {
		c.mu.Unlock()
		return ErrConnectionLost
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.config.SocketPath)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, os.ErrNotExist) || isConnRefused(err) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}
	c.conn = conn
	c.dialed = true
	c.connected.Store(true)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.handshake(); err != nil {
		c.close()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var se *os.SyscallError
		if errors.As(opErr.Err, &se) {
			return se.Syscall == "connect"
		}
	}
	return false
}

// Close closes the connection to the daemon
func (c *IPCClient) Close() error {
	c.cancel()
	c.close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

func (c *IPCClient) close() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)
	c.mu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the ID assigned by the server
func (c *IPCClient) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// ServerVersion returns the daemon version reported in the handshake.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Events returns streamed events after Subscribe. The channel is closed
// when the connection ends.
func (c *IPCClient) Events() <-chan *Event {
	return c.events
}

func (c *IPCClient) handshake() error {
	var ack HandshakeResponse
	err := c.call(MsgHandshake, MsgHandshakeAck, &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}, &ack)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.clientID = ack.ClientID
	c.version = ack.ServerVersion
	c.mu.Unlock()
	return nil
}

// request sends a request and waits for its response.
func (c *IPCClient) request(msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	data, err := Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	if err := c.write(conn, msg); err != nil {
		c.close()
		return nil, fmt.Errorf("write message: %w", err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-time.After(c.config.RequestTimeout):
		return nil, ErrTimeout
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// call performs a request, converts MsgError into a *RemoteError, checks
// the response type and decodes the payload into out when non-nil.
func (c *IPCClient) call(msgType, want MessageType, payload, out any) error {
	resp, err := c.request(msgType, payload)
	if err != nil {
		return err
	}
	if resp.Header.Type == MsgError {
		var e ErrorResponse
		if err := Decode(resp.Payload, &e); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &RemoteError{Code: e.Code, Message: e.Message}
	}
	if resp.Header.Type != want {
		return fmt.Errorf("unexpected response: %s", resp.Header.Type)
	}
	if out == nil {
		return nil
	}
	return Decode(resp.Payload, out)
}

func (c *IPCClient) write(conn net.Conn, msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(conn)
}

func (c *IPCClient) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer close(c.events)

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() == nil {
				c.close()
			}
			return
		}
		c.handleMessage(conn, msg)
	}
}

func (c *IPCClient) handleMessage(conn net.Conn, msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		c.write(conn, NewMessage(MsgPong, msg.Header.RequestID, nil))
	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err != nil {
			return
		}
		select {
		case c.events <- &event:
		default:
			// Slow consumer, drop
		}
	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// High-level API methods

// Ping checks if the daemon is responsive
func (c *IPCClient) Ping() error {
	return c.call(MsgPing, MsgPong, nil, nil)
}

// Status requests the daemon status
func (c *IPCClient) Status() (*StatusResponse, error) {
	var status StatusResponse
	if err := c.call(MsgStatus, MsgStatusResp, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Start starts monitoring.
func (c *IPCClient) Start() (*engine.Stats, error) {
	var stats engine.Stats
	if err := c.call(MsgStart, MsgStartResp, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Stop stops monitoring.
func (c *IPCClient) Stop() (*engine.Stats, error) {
	var stats engine.Stats
	if err := c.call(MsgStop, MsgStopResp, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ExportProfile returns the active profile document.
func (c *IPCClient) ExportProfile() ([]byte, error) {
	var doc ProfileDocument
	if err := c.call(MsgExport, MsgExportResp, nil, &doc); err != nil {
		return nil, err
	}
	return doc.Profile, nil
}

// ImportProfile replaces the active profile.
func (c *IPCClient) ImportProfile(data []byte) error {
	return c.call(MsgImport, MsgImportResp, &ProfileDocument{Profile: data}, nil)
}

// Reset discards the profile and restarts training.
func (c *IPCClient) Reset() error {
	return c.call(MsgReset, MsgResetResp, nil, nil)
}

// Settings returns the active settings.
func (c *IPCClient) Settings() (config.Settings, error) {
	var resp SettingsMessage
	err := c.call(MsgGetSettings, MsgGetSettingsResp, nil, &resp)
	return resp.Settings, err
}

// SetSettings replaces the settings and returns what the daemon applied.
func (c *IPCClient) SetSettings(s config.Settings) (config.Settings, error) {
	var resp SettingsMessage
	err := c.call(MsgSetSettings, MsgSetSettingsResp, &SettingsMessage{Settings: s}, &resp)
	return resp.Settings, err
}

// Alerts returns the newest limit alerts; zero means all.
func (c *IPCClient) Alerts(limit int) ([]alerts.Alert, error) {
	var resp AlertsResponse
	if err := c.call(MsgAlerts, MsgAlertsResp, &AlertsRequest{Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Alerts, nil
}

// Subscribe starts event streaming for the named events; none means all.
func (c *IPCClient) Subscribe(events ...string) error {
	return c.call(MsgSubscribe, MsgSubscribeResp, &SubscribeRequest{Events: events}, nil)
}

// Unsubscribe stops event streaming.
func (c *IPCClient) Unsubscribe() error {
	return c.call(MsgUnsubscribe, MsgUnsubscribeResp, nil, nil)
}
