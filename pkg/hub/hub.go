// Package hub maintains live WebSocket observers and fans captured
// credential events out to them: immediate broadcast of new attempts,
// chunked backfill of history, and liveness-based cleanup.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/credtrap/credtrap/internal/logger"
	"github.com/credtrap/credtrap/pkg/capture"
)

// AttemptSource supplies historical attempts for backfill.
type AttemptSource interface {
	RecentAttempts(ctx context.Context, limit int) ([]capture.Attempt, error)
}

// Config controls fan-out and cleanup behavior.
type Config struct {
	// InitialAttempts is how many recent rows a request_attempts frame
	// returns. Default 100.
	InitialAttempts int

	// CleanupInterval is how often the liveness sweep runs. Default 60s.
	CleanupInterval time.Duration

	// ProbeAfter is the idle duration after which a subscriber is probed.
	// Default 2 minutes.
	ProbeAfter time.Duration

	// StaleAfter is the idle duration after which a subscriber is
	// removed. Default 10 minutes (halved under memory pressure).
	StaleAfter time.Duration

	// HighMemoryBytes accelerates cleanup when the process heap exceeds
	// it. Default 500 MiB.
	HighMemoryBytes uint64
}

func (c *Config) applyDefaults() {
	if c.InitialAttempts <= 0 {
		c.InitialAttempts = 100
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.ProbeAfter <= 0 {
		c.ProbeAfter = 2 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.HighMemoryBytes == 0 {
		c.HighMemoryBytes = 500 << 20
	}
}

// Hub owns the subscriber registry. Broadcast iteration snapshots the
// registry under the lock and performs all sends outside it.
type Hub struct {
	cfg      Config
	source   AttemptSource
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*Subscriber]struct{}

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New creates a hub and starts its cleanup loop.
func New(cfg Config, source AttemptSource) *Hub {
	cfg.applyDefaults()
	h := &Hub{
		cfg:    cfg,
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Observers are dashboards on arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[*Subscriber]struct{}),
		done: make(chan struct{}),
	}
	h.wg.Add(1)
	go h.cleanupLoop()
	return h
}

// ServeHTTP upgrades the request and runs the subscriber until it
// disconnects. Mount it on the observer endpoint (e.g. /ws).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	sub := newSubscriber(h, conn)
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	count := len(h.subs)
	h.mu.Unlock()
	logger.Info("Subscriber connected",
		"address", conn.RemoteAddr().String(), "subscribers", count)

	go sub.writePump()
	h.readPump(sub)
}

// Broadcast delivers a captured attempt to every live subscriber.
// Per-subscriber queues keep one slow peer from delaying the rest;
// enqueue order matches Broadcast invocation order (FIFO per subscriber).
func (h *Hub) Broadcast(attempt *capture.Attempt) {
	h.broadcastFrame(Frame{Type: TypeLoginAttempt, Data: attempt})
}

// BroadcastFrame sends an arbitrary server frame to every subscriber.
// Used for service status, system metrics, and external IP pushes.
func (h *Hub) BroadcastFrame(frameType string, data any) {
	h.broadcastFrame(Frame{Type: frameType, Data: data})
}

func (h *Hub) broadcastFrame(f Frame) {
	for _, sub := range h.snapshot() {
		sub.enqueue(f)
	}
}

func (h *Hub) snapshot() []*Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		out = append(out, sub)
	}
	return out
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	_, present := h.subs[sub]
	delete(h.subs, sub)
	count := len(h.subs)
	h.mu.Unlock()

	sub.close()
	if present {
		logger.Info("Subscriber removed",
			"address", sub.conn.RemoteAddr().String(),
			"connected_for", time.Since(sub.connectedAt).Round(time.Second),
			"sent", sub.sentCount.Load(),
			"received", sub.recvCount.Load(),
			"subscribers", count)
	}
}

// readPump consumes client frames until the connection dies. Every frame
// refreshes liveness and clears the failed-probe counter.
func (h *Hub) readPump(sub *Subscriber) {
	defer h.remove(sub)

	sub.conn.SetReadLimit(1 << 20)
	for {
		select {
		case <-sub.done:
			return
		default:
		}

		var in inboundFrame
		if err := sub.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Subscriber read error",
					"address", sub.conn.RemoteAddr().String(), "error", err)
			}
			return
		}

		sub.touch()
		sub.failedProbes.Store(0)
		sub.recvCount.Add(1)
		h.dispatch(sub, in)
	}
}

func (h *Hub) dispatch(sub *Subscriber, in inboundFrame) {
	switch in.Type {
	case TypeHeartbeat:
		sub.enqueue(Frame{Type: TypeHeartbeatResponse, Data: map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}})

	case TypePing:
		sub.enqueue(Frame{Type: TypePong})

	case TypeRequestAttempts:
		attempts, err := h.source.RecentAttempts(context.Background(), h.cfg.InitialAttempts)
		if err != nil {
			logger.Error("Could not load attempts for subscriber", "error", err)
			return
		}
		sub.enqueue(Frame{Type: TypeInitialAttempts, Data: attempts})

	case TypeRequestDataBatches:
		go h.sendFullBackfill(sub)

	case TypeRequestMissingBatches:
		var req missingBatchesData
		if err := json.Unmarshal(in.Data, &req); err != nil {
			logger.Debug("Malformed request_missing_batches frame", "error", err)
			return
		}
		go h.resendBatches(sub, req.BatchNumbers)

	case TypeBatchAck:
		var ack batchAckData
		if err := json.Unmarshal(in.Data, &ack); err == nil {
			logger.Debug("Batch acknowledged",
				"address", sub.conn.RemoteAddr().String(), "batch", ack.BatchNumber)
		}

	default:
		logger.Debug("Unknown subscriber frame",
			"address", sub.conn.RemoteAddr().String(), "type", in.Type)
	}
}

// cleanupLoop probes idle subscribers and removes the unresponsive or
// stale. The sweep accelerates and the staleness cutoff halves when the
// heap is above the configured high-water mark.
func (h *Hub) cleanupLoop() {
	defer h.wg.Done()

	for {
		interval := h.cfg.CleanupInterval
		if h.memoryPressure() {
			interval /= 2
		}

		select {
		case <-h.done:
			return
		case <-time.After(interval):
		}

		staleAfter := h.cfg.StaleAfter
		if h.memoryPressure() {
			staleAfter /= 2
		}

		var totalSent, totalRecv int64
		subs := h.snapshot()
		for _, sub := range subs {
			totalSent += sub.sentCount.Load()
			totalRecv += sub.recvCount.Load()

			idle := sub.idleFor()
			switch {
			case idle > staleAfter || sub.failedProbes.Load() > 0:
				logger.Info("Removing stale subscriber",
					"address", sub.conn.RemoteAddr().String(),
					"idle", idle.Round(time.Second),
					"failed_probes", sub.failedProbes.Load())
				h.remove(sub)
			case idle > h.cfg.ProbeAfter:
				sub.enqueue(Frame{Type: TypeServerHeartbeat, Data: map[string]any{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				}})
			}
		}

		if len(subs) > 0 {
			logger.Info("Subscriber stats",
				"subscribers", len(subs), "sent", totalSent, "received", totalRecv)
		}
	}
}

func (h *Hub) memoryPressure() bool {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc > h.cfg.HighMemoryBytes
}

// Close removes every subscriber and stops the cleanup loop.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.done)
	})
	for _, sub := range h.snapshot() {
		h.remove(sub)
	}
	h.wg.Wait()
}
