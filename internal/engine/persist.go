package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"trustd/internal/logging"
	"trustd/internal/metrics"
	"trustd/internal/store"
)

const (
	persistQueueSize = 64
	persistTimeout   = 5 * time.Second
)

// docWrite stores value at key, or removes key when delete is set.
type docWrite struct {
	key    string
	value  any
	delete bool
}

// persistOp is queued and dropped as a unit. Its writes run in order and
// stop at the first failure.
type persistOp struct {
	writes  []docWrite
	barrier chan struct{}
}

func (op persistOp) keys() string {
	keys := make([]string, len(op.writes))
	for i, w := range op.writes {
		keys[i] = w.key
	}
	return strings.Join(keys, ",")
}

// persister writes documents on its own goroutine. Enqueueing never
// blocks: when the queue is full the write is dropped and logged.
type persister struct {
	kv      store.KV
	ops     chan persistOp
	done    chan struct{}
	log     *logging.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
}

func newPersister(kv store.KV, log *logging.Logger, m *metrics.Metrics) *persister {
	p := &persister{
		kv:      kv,
		ops:     make(chan persistOp, persistQueueSize),
		done:    make(chan struct{}),
		log:     log,
		metrics: m,
	}
	go p.run()
	return p
}

func (p *persister) run() {
	defer close(p.done)
	for op := range p.ops {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		p.apply(op.writes)
	}
}

func (p *persister) apply(writes []docWrite) {
	for i, w := range writes {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		var err error
		if w.delete {
			err = p.kv.Delete(ctx, w.key)
		} else {
			err = store.SetJSON(ctx, p.kv, w.key, w.value)
		}
		cancel()
		if err != nil {
			p.log.Warn("persist failed", "document", w.key, "skipped", len(writes)-i-1, "error", err)
			p.metrics.RecordPersistError(w.key)
			return
		}
	}
}

func (p *persister) enqueue(op persistOp) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.ops <- op:
	default:
		p.log.Warn("persistence queue full, dropping write", "documents", op.keys())
		for _, w := range op.writes {
			p.metrics.RecordPersistError(w.key)
		}
	}
}

func (p *persister) save(key string, v any) { p.commit(docWrite{key: key, value: v}) }

func (p *persister) remove(keys ...string) {
	writes := make([]docWrite, len(keys))
	for i, k := range keys {
		writes[i] = docWrite{key: k, delete: true}
	}
	p.commit(writes...)
}

// commit queues writes that must land together, in order.
func (p *persister) commit(writes ...docWrite) {
	if len(writes) == 0 {
		return
	}
	p.enqueue(persistOp{writes: writes})
}

// sync waits until every write enqueued before it has been attempted.
func (p *persister) sync(ctx context.Context) error {
	barrier := make(chan struct{})
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil
	}
	select {
	case p.ops <- persistOp{barrier: barrier}:
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	p.mu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close drains pending writes and stops the goroutine.
func (p *persister) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ops)
	p.mu.Unlock()
	<-p.done
}
