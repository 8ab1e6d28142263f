package service

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fjod/go_cart/storefront/internal/breaker"
	"github.com/fjod/go_cart/storefront/internal/logger"
)

// RemoteFunc is one reconciliation step against a remote store.
type RemoteFunc func(ctx context.Context) error

type mirrorTask struct {
	ctx  context.Context
	name string
	key  string
	fn   RemoteFunc
	done chan error
}

// Mirror runs remote reconciliation tasks off the caller's path. Tasks that
// share a key run on the same worker in submission order.
type Mirror struct {
	shards  []chan mirrorTask
	timeout time.Duration
	breaker *breaker.Breaker

	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
	workers sync.WaitGroup

	failures atomic.Uint64
}

func NewMirror(workers, queueSize int, timeout time.Duration, b *breaker.Breaker) *Mirror {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	m := &Mirror{
		shards:  make([]chan mirrorTask, workers),
		timeout: timeout,
		breaker: b,
	}
	for i := range m.shards {
		m.shards[i] = make(chan mirrorTask, queueSize)
		m.workers.Add(1)
		go m.work(m.shards[i])
	}
	return m
}

// Enqueue schedules fn and returns immediately. Failures are logged and
// counted, never returned.
func (m *Mirror) Enqueue(ctx context.Context, key, name string, fn RemoteFunc) {
	if err := m.submit(ctx, mirrorTask{ctx: ctx, name: name, key: key, fn: fn}); err != nil {
		m.failures.Add(1)
		logger.Printf(ctx, "mirror %s for %s dropped: %v", name, key, err)
	}
}

// Do schedules fn behind every task already queued for key and waits for it.
func (m *Mirror) Do(ctx context.Context, key, name string, fn RemoteFunc) error {
	done := make(chan error, 1)
	if err := m.submit(ctx, mirrorTask{ctx: ctx, name: name, key: key, fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mirror) submit(ctx context.Context, t mirrorTask) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMirrorClosed
	}

	m.pending.Add(1)
	select {
	case m.shards[shardFor(t.key, len(m.shards))] <- t:
		return nil
	case <-ctx.Done():
		m.pending.Done()
		return ctx.Err()
	}
}

func (m *Mirror) work(queue chan mirrorTask) {
	defer m.workers.Done()
	for t := range queue {
		err := m.run(t)
		if err != nil {
			m.failures.Add(1)
			logger.Printf(t.ctx, "mirror %s for %s failed: %v", t.name, t.key, err)
		}
		if t.done != nil {
			t.done <- err
		}
		m.pending.Done()
	}
}

func (m *Mirror) run(t mirrorTask) error {
	// the caller may be long gone; keep its values, drop its cancellation
	ctx := context.WithoutCancel(t.ctx)
	if t.done != nil {
		ctx = t.ctx
	}
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	if m.breaker == nil {
		return t.fn(ctx)
	}
	return m.breaker.Do(func() error { return t.fn(ctx) })
}

// Wait blocks until every task submitted so far has finished.
func (m *Mirror) Wait() {
	m.pending.Wait()
}

func (m *Mirror) Failures() uint64 {
	return m.failures.Load()
}

// Close drains the queues and stops the workers.
func (m *Mirror) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, q := range m.shards {
		close(q)
	}
	m.mu.Unlock()
	m.workers.Wait()
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
