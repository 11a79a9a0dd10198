package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustd/internal/engine"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestConnect_RequiresURL(t *testing.T) {
	_, err := Connect(Options{})
	assert.Error(t, err)
}

func TestSubject(t *testing.T) {
	p := &Publisher{prefix: "lab.trustd"}
	assert.Equal(t, "lab.trustd.risk-update", p.Subject(engine.EventRiskUpdate))
}

func TestEncode(t *testing.T) {
	body, err := encode(engine.Event{Name: engine.EventProfileReset, TS: 12})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"profile-reset","ts":12}`, string(body))

	body, err = encode(engine.Event{Name: engine.EventTrainingPhase, TS: 5, Payload: map[string]string{"phase": "intermediate"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"training-phase","ts":5,"data":{"phase":"intermediate"}}`, string(body))
}

func TestPublisher_Emit(t *testing.T) {
	ns := runServer(t)

	sub, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("trustd.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	p, err := Connect(Options{URL: ns.ClientURL()})
	require.NoError(t, err)
	defer p.Close()

	p.Emit(engine.Event{Name: engine.EventStatsUpdate, TS: 99, Payload: engine.Stats{Training: true, Trust: 100}})
	require.NoError(t, p.Flush(2*time.Second))

	select {
	case m := <-msgs:
		assert.Equal(t, "trustd.stats-update", m.Subject)
		var got Message
		require.NoError(t, json.Unmarshal(m.Data, &got))
		assert.Equal(t, engine.EventStatsUpdate, got.Event)
		assert.Equal(t, int64(99), got.TS)
		var stats engine.Stats
		require.NoError(t, json.Unmarshal(got.Data, &stats))
		assert.True(t, stats.Training)
		assert.Equal(t, 100.0, stats.Trust)
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}

	published, failed := p.Counts()
	assert.Equal(t, int64(1), published)
	assert.Zero(t, failed)
}

func TestPublisher_EncodeFailureCounted(t *testing.T) {
	ns := runServer(t)
	p, err := Connect(Options{URL: ns.ClientURL()})
	require.NoError(t, err)
	defer p.Close()

	p.Emit(engine.Event{Name: engine.EventAlert, Payload: make(chan int)})
	_, failed := p.Counts()
	assert.Equal(t, int64(1), failed)
}
