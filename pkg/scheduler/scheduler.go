// Package scheduler owns connection admission for every honeypot listener:
// a bounded worker pool, per-IP concurrency caps, and an idle-timeout
// monitor that evicts connections whose handlers stop seeing traffic.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/credtrap/credtrap/internal/logger"
)

// Config controls admission limits and idle eviction.
type Config struct {
	// MaxWorkers is the upper bound on concurrently running handlers.
	MaxWorkers int

	// MaxPerIP caps concurrent connections from a single client IP.
	MaxPerIP int

	// IdleTimeout evicts a connection after this much inactivity.
	IdleTimeout time.Duration

	// QueueCap bounds queued admissions; a full queue rejects.
	QueueCap int
}

func (c *Config) applyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 50
	}
	if c.MaxPerIP <= 0 {
		c.MaxPerIP = 5
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 15 * time.Second
	}
	if c.QueueCap <= 0 {
		c.QueueCap = 100
	}
}

// HandlerFunc is the unit of work admitted onto the pool. The context is
// cancelled on shutdown; idle eviction additionally fires the cancel hook
// registered at admission (which closes the transport and unblocks reads).
type HandlerFunc func(ctx context.Context)

// record tracks one live connection for idle monitoring.
type record struct {
	id           uint64
	clientIP     string
	startedAt    time.Time
	lastActivity atomic.Int64 // unix nanos
	cancel       func()
	finished     atomic.Bool // settles the eviction/completion race
}

type task struct {
	rec *record
	fn  HandlerFunc
}

// Metrics receives scheduler accounting. May be nil.
type Metrics interface {
	RecordAdmission()
	RecordRejection(reason string)
	RecordEviction()
	SetActiveConnections(n int)
}

// Scheduler admits handler invocations subject to pool and per-IP limits.
type Scheduler struct {
	cfg     Config
	metrics Metrics

	mu      sync.Mutex
	perIP   map[string]int
	records map[uint64]*record
	nextID  uint64

	tasks chan task
	done  chan struct{}

	workers sync.WaitGroup
	monitor sync.WaitGroup

	shuttingDown atomic.Bool
	shutdownOnce sync.Once

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates a scheduler, starts its worker pool and idle monitor.
func New(cfg Config, metrics Metrics) *Scheduler {
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:       cfg,
		metrics:   metrics,
		perIP:     make(map[string]int),
		records:   make(map[uint64]*record),
		tasks:     make(chan task, cfg.QueueCap),
		done:      make(chan struct{}),
		runCtx:    ctx,
		runCancel: cancel,
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		s.workers.Add(1)
		go s.worker()
	}

	s.monitor.Add(1)
	go s.monitorIdle()

	logger.Info("Connection scheduler started",
		"max_workers", cfg.MaxWorkers,
		"max_per_ip", cfg.MaxPerIP,
		"idle_timeout", cfg.IdleTimeout,
		"queue_cap", cfg.QueueCap)
	return s
}

// Admit attempts to enqueue fn for clientIP. cancel is the hook invoked on
// idle eviction or shutdown; it must close the underlying transport.
//
// Returns false when the per-IP cap is met, the queue is full, or the
// scheduler is shutting down. On true, fn runs exactly once and its
// bookkeeping (record removal, per-IP decrement) is released on every
// exit path, including panics.
func (s *Scheduler) Admit(clientIP string, cancel func(), fn HandlerFunc) bool {
	if s.shuttingDown.Load() {
		s.reject("shutdown")
		return false
	}

	s.mu.Lock()
	if s.perIP[clientIP] >= s.cfg.MaxPerIP {
		n := s.perIP[clientIP]
		s.mu.Unlock()
		logger.Warn("Rejecting connection: per-IP cap reached",
			"client_ip", clientIP, "connections", n, "cap", s.cfg.MaxPerIP)
		s.reject("per_ip_cap")
		return false
	}
	s.perIP[clientIP]++
	s.nextID++
	rec := &record{
		id:        s.nextID,
		clientIP:  clientIP,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	rec.lastActivity.Store(time.Now().UnixNano())
	s.records[rec.id] = rec
	active := len(s.records)
	s.mu.Unlock()

	select {
	case s.tasks <- task{rec: rec, fn: fn}:
		if s.metrics != nil {
			s.metrics.RecordAdmission()
			s.metrics.SetActiveConnections(active)
		}
		return true
	default:
		// Queue full: roll back the registration before reporting.
		s.finish(rec)
		logger.Warn("Rejecting connection: admission queue full", "client_ip", clientIP)
		s.reject("queue_full")
		return false
	}
}

// Touch refreshes last-activity for every live record with this IP.
// Handlers call it on every observed inbound byte; it must stay cheap.
func (s *Scheduler) Touch(clientIP string) {
	now := time.Now().UnixNano()
	s.mu.Lock()
	for _, rec := range s.records {
		if rec.clientIP == clientIP {
			rec.lastActivity.Store(now)
		}
	}
	s.mu.Unlock()
}

// ActiveConnections returns the number of live connection records.
func (s *Scheduler) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// ActiveForIP returns the live record count for one IP.
func (s *Scheduler) ActiveForIP(clientIP string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perIP[clientIP]
}

// worker drains the task queue. A panicking handler is logged with its
// stack and never corrupts counters.
func (s *Scheduler) worker() {
	defer s.workers.Done()
	for {
		select {
		case <-s.done:
			s.drainQueued()
			return
		case t := <-s.tasks:
			s.runTask(t)
		}
	}
}

// drainQueued releases records still sitting in the queue at shutdown.
// Their handlers never run (the cancel sweep has already closed the
// transports), but every admission still gets its one decrement.
func (s *Scheduler) drainQueued() {
	for {
		select {
		case t := <-s.tasks:
			s.finish(t.rec)
		default:
			return
		}
	}
}

func (s *Scheduler) runTask(t task) {
	defer s.finish(t.rec)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in connection handler",
				"client_ip", t.rec.clientIP,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	t.fn(s.runCtx)
}

// finish releases a record exactly once. Safe to call from both the
// worker completion path and the idle monitor.
func (s *Scheduler) finish(rec *record) {
	if !rec.finished.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	delete(s.records, rec.id)
	if n := s.perIP[rec.clientIP]; n <= 1 {
		delete(s.perIP, rec.clientIP)
	} else {
		s.perIP[rec.clientIP] = n - 1
	}
	active := len(s.records)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetActiveConnections(active)
	}
}

// monitorIdle wakes every second and evicts records whose last activity
// is older than the idle timeout. Eviction fires the cancel hook (closing
// the transport) and releases the record; a handler completing at the
// same moment is a no-op thanks to the finished flag.
func (s *Scheduler) monitorIdle() {
	defer s.monitor.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

func (s *Scheduler) evictIdle() {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in idle monitor", "panic", r)
		}
	}()

	cutoff := time.Now().Add(-s.cfg.IdleTimeout).UnixNano()

	s.mu.Lock()
	var stale []*record
	for _, rec := range s.records {
		if rec.lastActivity.Load() < cutoff {
			stale = append(stale, rec)
		}
	}
	s.mu.Unlock()

	for _, rec := range stale {
		if rec.finished.Load() {
			continue
		}
		idle := time.Since(time.Unix(0, rec.lastActivity.Load()))
		logger.Info("Terminating inactive connection",
			"client_ip", rec.clientIP, "idle", idle.Round(time.Millisecond))
		if rec.cancel != nil {
			rec.cancel()
		}
		s.finish(rec)
		if s.metrics != nil {
			s.metrics.RecordEviction()
		}
	}
}

func (s *Scheduler) reject(reason string) {
	if s.metrics != nil {
		s.metrics.RecordRejection(reason)
	}
}

// Shutdown refuses new admissions, cancels live records, and waits for
// workers to drain within the context deadline.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.shutdownOnce.Do(func() {
		logger.Info("Scheduler shutting down")

		// Cancel every live record so pending reads unblock.
		s.mu.Lock()
		recs := make([]*record, 0, len(s.records))
		for _, rec := range s.records {
			recs = append(recs, rec)
		}
		s.mu.Unlock()
		for _, rec := range recs {
			if rec.cancel != nil {
				rec.cancel()
			}
		}

		s.runCancel()
		close(s.done)
	})

	drained := make(chan struct{})
	go func() {
		s.workers.Wait()
		s.monitor.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		logger.Info("Scheduler shutdown complete")
		return nil
	case <-ctx.Done():
		logger.Warn("Scheduler shutdown timed out", "active", s.ActiveConnections())
		return ctx.Err()
	}
}
