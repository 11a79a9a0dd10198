// Package ipc is the control plane between the trustd daemon and its
// clients (trustctl, the settings UI, third-party tools).
//
// Messages are framed with a fixed 16-byte header followed by a JSON
// payload. Requests are answered in order on the same connection; a
// subscribed connection additionally receives every UI event the engine
// emits as MsgEvent frames.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"trustd/internal/alerts"
	"trustd/internal/config"
	"trustd/internal/engine"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x54495043 // "TIPC"
)

// MaxPayload bounds a single frame. Profile documents are the largest
// payloads and stay well below this.
const MaxPayload = 16 * 1024 * 1024

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Status and monitoring (0x01xx)
	MsgStatus     MessageType = 0x0100
	MsgStatusResp MessageType = 0x0101
	MsgStart      MessageType = 0x0102
	MsgStartResp  MessageType = 0x0103
	MsgStop       MessageType = 0x0104
	MsgStopResp   MessageType = 0x0105

	// Profile management (0x02xx)
	MsgExport     MessageType = 0x0200
	MsgExportResp MessageType = 0x0201
	MsgImport     MessageType = 0x0202
	MsgImportResp MessageType = 0x0203
	MsgReset      MessageType = 0x0204
	MsgResetResp  MessageType = 0x0205

	// Settings and history (0x03xx)
	MsgGetSettings     MessageType = 0x0300
	MsgGetSettingsResp MessageType = 0x0301
	MsgSetSettings     MessageType = 0x0302
	MsgSetSettingsResp MessageType = 0x0303
	MsgAlerts          MessageType = 0x0304
	MsgAlertsResp      MessageType = 0x0305

	// Event streaming (0x05xx)
	MsgSubscribe       MessageType = 0x0500
	MsgSubscribeResp   MessageType = 0x0501
	MsgUnsubscribe     MessageType = 0x0502
	MsgUnsubscribeResp MessageType = 0x0503
	MsgEvent           MessageType = 0x0504
)

var messageNames = map[MessageType]string{
	MsgPing:            "ping",
	MsgPong:            "pong",
	MsgHandshake:       "handshake",
	MsgHandshakeAck:    "handshake-ack",
	MsgError:           "error",
	MsgStatus:          "status",
	MsgStatusResp:      "status-resp",
	MsgStart:           "start",
	MsgStartResp:       "start-resp",
	MsgStop:            "stop",
	MsgStopResp:        "stop-resp",
	MsgExport:          "export",
	MsgExportResp:      "export-resp",
	MsgImport:          "import",
	MsgImportResp:      "import-resp",
	MsgReset:           "reset",
	MsgResetResp:       "reset-resp",
	MsgGetSettings:     "get-settings",
	MsgGetSettingsResp: "get-settings-resp",
	MsgSetSettings:     "set-settings",
	MsgSetSettingsResp: "set-settings-resp",
	MsgAlerts:          "alerts",
	MsgAlertsResp:      "alerts-resp",
	MsgSubscribe:       "subscribe",
	MsgSubscribeResp:   "subscribe-resp",
	MsgUnsubscribe:     "unsubscribe",
	MsgUnsubscribeResp: "unsubscribe-resp",
	MsgEvent:           "event",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON uint8 = 0x04
)

var (
	ErrBadMagic        = errors.New("ipc: invalid magic number")
	ErrVersion         = errors.New("ipc: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("ipc: payload too large")
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

func (h *Header) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	h.put(buf)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("%w: %x", ErrBadMagic, h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	return h, nil
}

// Write writes the header and payload in a single call so frames from
// writers serialised by a mutex never interleave.
func (m *Message) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize+len(m.Payload))
	m.Header.put(buf)
	copy(buf[HeaderSize:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ClientID        string `json:"client_id"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	CodeUnknown            = 1
	CodeInvalidRequest     = 2
	CodeNoProfile          = 3
	CodeInvalidProfile     = 4
	CodeInvalidSettings    = 5
	CodeCaptureUnavailable = 6
	CodeInternal           = 7
)

// RemoteError is an ErrorResponse surfaced by the client.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// StatusResponse contains daemon status
type StatusResponse struct {
	Version   string        `json:"version"`
	StartedAt time.Time     `json:"started_at"`
	Uptime    time.Duration `json:"uptime"`
	Stats     engine.Stats  `json:"stats"`
}

// ProfileDocument carries an exported or imported profile verbatim.
type ProfileDocument struct {
	Profile json.RawMessage `json:"profile"`
}

// SettingsMessage carries the settings document.
type SettingsMessage struct {
	Settings config.Settings `json:"settings"`
}

// AlertsRequest asks for the newest Limit alerts; zero means all.
type AlertsRequest struct {
	Limit int `json:"limit,omitempty"`
}

// AlertsResponse lists alerts, oldest first.
type AlertsResponse struct {
	Alerts []alerts.Alert `json:"alerts"`
}

// SubscribeRequest names the events wanted; empty means all.
type SubscribeRequest struct {
	Events []string `json:"events,omitempty"`
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	SubscriptionID string `json:"subscription_id"`
}

// Event is a streamed UI event. Data is the event payload as emitted by
// the engine.
type Event struct {
	Name string          `json:"name"`
	TS   int64           `json:"ts"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload. An empty payload leaves v as is.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
