package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustd/internal/capture"
	"trustd/internal/engine"
	"trustd/internal/features"
	"trustd/internal/profile"
	"trustd/internal/store"
)

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	msg := NewMessage(MsgStatus, 42, []byte(`{"x":1}`))
	require.NoError(t, msg.Write(&buf))
	assert.Equal(t, HeaderSize+7, buf.Len())

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgStatus, got.Header.Type)
	assert.Equal(t, uint32(42), got.Header.RequestID)
	assert.Equal(t, uint8(ProtocolVersion), got.Header.Version)
	assert.Equal(t, `{"x":1}`, string(got.Payload))
}

func TestReadMessage_Rejects(t *testing.T) {
	header := func(mutate func(h *Header)) []byte {
		h := NewMessage(MsgPing, 1, nil).Header
		mutate(&h)
		var buf bytes.Buffer
		require.NoError(t, h.Write(&buf))
		return buf.Bytes()
	}

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"bad magic", header(func(h *Header) { h.Magic = 0xdeadbeef }), ErrBadMagic},
		{"future version", header(func(h *Header) { h.Version = ProtocolVersion + 1 }), ErrVersion},
		{"oversized", header(func(h *Header) { h.Length = MaxPayload + 1 }), ErrPayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMessage(bytes.NewReader(tt.raw))
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	t.Run("truncated payload", func(t *testing.T) {
		raw := header(func(h *Header) { h.Length = 10 })
		_, err := ReadMessage(bytes.NewReader(append(raw, 1, 2, 3)))
		assert.Error(t, err)
	})
}

func TestHeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewMessage(MsgSetSettings, 7, []byte("ab")).Write(&buf))
	raw := buf.Bytes()
	assert.Equal(t, uint32(ProtocolMagic), binary.BigEndian.Uint32(raw[0:4]))
	assert.Equal(t, uint16(MsgSetSettings), binary.BigEndian.Uint16(raw[6:8]))
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(raw[8:12]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(raw[12:16]))
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "set-settings", MsgSetSettings.String())
	assert.Equal(t, "0x7777", MessageType(0x7777).String())
}

type daemon struct {
	eng    *engine.Engine
	src    *capture.SimulatedSource
	server *Server
	client *IPCClient
}

func startDaemon(t *testing.T) *daemon {
	t.Helper()
	dir, err := os.MkdirTemp("", "tipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "d.sock")

	d := &daemon{src: capture.NewSimulated()}
	d.eng, err = engine.New(engine.Options{Store: store.NewMemory(), Source: d.src, UserID: "ipc"})
	require.NoError(t, err)
	t.Cleanup(func() { d.eng.Close() })

	cfg := DefaultServerConfig(sock)
	cfg.Version = "test"
	d.server = NewServer(cfg, NewDaemonHandler(d.eng, "test"), nil)
	require.NoError(t, d.server.Start())
	t.Cleanup(func() { d.server.Stop() })
	d.eng.AddSink(d.server)

	d.client = NewClient(DefaultClientConfig(sock))
	require.NoError(t, d.client.Connect())
	t.Cleanup(func() { d.client.Close() })
	return d
}

func TestClientServer_Control(t *testing.T) {
	d := startDaemon(t)
	c := d.client

	assert.NotEmpty(t, c.ClientID())
	assert.Equal(t, "test", c.ServerVersion())
	require.NoError(t, c.Ping())

	status, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, "test", status.Version)
	assert.False(t, status.Stats.Monitoring)
	assert.True(t, status.Stats.Training)

	stats, err := c.Start()
	require.NoError(t, err)
	assert.True(t, stats.Monitoring)
	assert.True(t, d.src.Running())

	stats, err = c.Stop()
	require.NoError(t, err)
	assert.False(t, stats.Monitoring)
}

func TestClientServer_StartFailureIsReported(t *testing.T) {
	d := startDaemon(t)
	d.src.FailWith(capture.ErrNotAvailable)

	_, err := d.client.Start()
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, CodeCaptureUnavailable, remote.Code)
}

func TestClientServer_Profile(t *testing.T) {
	d := startDaemon(t)
	c := d.client

	_, err := c.ExportProfile()
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, CodeNoProfile, remote.Code)

	err = c.ImportProfile([]byte(`{"v":"1.0"}`))
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, CodeInvalidProfile, remote.Code)

	ks := &features.Keystroke{DwellMedian: 90, FlightMedian: 120, IntervalMedian: 200, Samples: 60}
	p := profile.Build("ipc", time.UnixMilli(1_700_000_000_000), capture.Snapshot{}, features.Vector{KS: ks})
	doc, err := p.Marshal()
	require.NoError(t, err)
	require.NoError(t, c.ImportProfile(doc))

	exported, err := c.ExportProfile()
	require.NoError(t, err)
	assert.JSONEq(t, string(doc), string(exported))

	require.NoError(t, c.Reset())
	status, err := c.Status()
	require.NoError(t, err)
	assert.False(t, status.Stats.HasProfile)
	assert.Equal(t, profile.PhaseQuick, status.Stats.Phase)
}

func TestClientServer_Settings(t *testing.T) {
	d := startDaemon(t)
	c := d.client

	s, err := c.Settings()
	require.NoError(t, err)
	assert.Equal(t, "medium", s.Sensitivity)

	s.Sensitivity = "high"
	s.AutoBlock = true
	applied, err := c.SetSettings(s)
	require.NoError(t, err)
	assert.Equal(t, s, applied)
	assert.Equal(t, s, d.eng.Settings())

	s.Sensitivity = "maximum"
	_, err = c.SetSettings(s)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, CodeInvalidSettings, remote.Code)
}

func TestClientServer_Alerts(t *testing.T) {
	d := startDaemon(t)
	list, err := d.client.Alerts(0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestClientServer_Subscribe(t *testing.T) {
	d := startDaemon(t)
	require.NoError(t, d.client.Subscribe(engine.EventStatsUpdate))

	// Filtered out.
	d.eng.ResetProfile()
	d.eng.Tick()

	select {
	case ev := <-d.client.Events():
		require.NotNil(t, ev)
		assert.Equal(t, engine.EventStatsUpdate, ev.Name)
		var stats engine.Stats
		require.NoError(t, json.Unmarshal(ev.Data, &stats))
		assert.True(t, stats.Training)
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}

	require.NoError(t, d.client.Unsubscribe())
}

func TestServer_RefusesSecondListener(t *testing.T) {
	d := startDaemon(t)
	other := NewServer(DefaultServerConfig(d.server.SocketPath()), nil, nil)
	err := other.Start()
	assert.True(t, errors.Is(err, ErrAlreadyListening))
}

func TestClient_DaemonNotRunning(t *testing.T) {
	c := NewClient(DefaultClientConfig(filepath.Join(t.TempDir(), "missing.sock")))
	err := c.Connect()
	assert.True(t, errors.Is(err, ErrDaemonNotRunning))
}

func TestCleanupSocket(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, CleanupSocket(filepath.Join(dir, "absent")))

	regular := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(regular, []byte("x"), 0600))
	assert.Error(t, CleanupSocket(regular))
	_, err := os.Stat(regular)
	assert.NoError(t, err, "non-socket files are left alone")
}
