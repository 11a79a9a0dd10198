// Package bus republishes engine UI events on NATS so dashboards and
// other processes can follow a trustd instance without holding an IPC
// connection.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"trustd/internal/engine"
	"trustd/internal/logging"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "trustd"

// Options configures a Publisher.
type Options struct {
	URL    string
	Prefix string
	Name   string
	Logger *logging.Logger
}

// Message is the body published for every event.
type Message struct {
	Event string          `json:"event"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Publisher is an engine.Sink backed by a NATS connection. Events go to
// "<prefix>.<event name>".
type Publisher struct {
	nc     *nats.Conn
	prefix string
	log    *logging.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// Connect dials NATS and returns a Publisher. The connection retries in
// the background so a broker that comes up later is picked up.
func Connect(opts Options) (*Publisher, error) {
	if opts.URL == "" {
		return nil, errors.New("bus: url is required")
	}
	p := &Publisher{prefix: opts.Prefix, log: opts.Logger}
	if p.prefix == "" {
		p.prefix = DefaultPrefix
	}
	if p.log == nil {
		p.log = logging.Default()
	}
	p.log = p.log.WithComponent("bus")

	name := opts.Name
	if name == "" {
		name = "trustd"
	}
	nc, err := nats.Connect(opts.URL,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				p.log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			p.log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	p.nc = nc
	return p, nil
}

// Subject returns the subject an event is published on.
func (p *Publisher) Subject(event string) string {
	return p.prefix + "." + event
}

// Emit implements engine.Sink. Publishing is buffered by the NATS client
// and does not wait for the server.
func (p *Publisher) Emit(ev engine.Event) {
	body, err := encode(ev)
	if err != nil {
		p.failed.Add(1)
		p.log.Warn("encode event", "event", ev.Name, "error", err)
		return
	}
	if err := p.nc.Publish(p.Subject(ev.Name), body); err != nil {
		p.failed.Add(1)
		p.log.Debug("publish failed", "event", ev.Name, "error", err)
		return
	}
	p.published.Add(1)
}

func encode(ev engine.Event) ([]byte, error) {
	msg := Message{Event: ev.Name, TS: ev.TS}
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, err
		}
		msg.Data = data
	}
	return json.Marshal(msg)
}

// Counts returns how many events were published and how many failed.
func (p *Publisher) Counts() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}

// Flush waits until buffered events reach the server or the timeout
// passes.
func (p *Publisher) Flush(timeout time.Duration) error {
	return p.nc.FlushTimeout(timeout)
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}
