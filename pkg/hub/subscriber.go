package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/credtrap/credtrap/internal/logger"
	"github.com/credtrap/credtrap/pkg/capture"
)

const (
	// outboundQueueSize bounds the per-subscriber send queue. A consumer
	// that falls this far behind is dropped rather than allowed to stall
	// memory or delivery to its peers.
	outboundQueueSize = 512

	writeTimeout = 10 * time.Second

	broadcastRetries   = 1
	broadcastBackoff   = 250 * time.Millisecond
	batchRetries       = 3
	batchBackoff       = 500 * time.Millisecond
)

// Subscriber is one connected observer. All writes to the peer go through
// the outbound queue and a single writer goroutine, which preserves
// per-subscriber FIFO ordering and isolates slow consumers.
type Subscriber struct {
	hub  *Hub
	conn *websocket.Conn

	outbound chan Frame
	done     chan struct{}
	once     sync.Once

	connectedAt  time.Time
	lastActive   atomic.Int64 // unix nanos
	failedProbes atomic.Int32
	sentCount    atomic.Int64
	recvCount    atomic.Int64

	// backfill retains the snapshot of the last chunked transfer so that
	// missing batches can be re-sent with identical contents.
	backfillMu   sync.Mutex
	backfill     []capture.Attempt
	backfillSize int
}

func newSubscriber(h *Hub, conn *websocket.Conn) *Subscriber {
	s := &Subscriber{
		hub:         h,
		conn:        conn,
		outbound:    make(chan Frame, outboundQueueSize),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	s.touch()
	return s
}

func (s *Subscriber) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Subscriber) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

// enqueue places a frame on the outbound queue. A full queue means the
// consumer has stalled; the subscriber is removed rather than blocking
// the caller.
func (s *Subscriber) enqueue(f Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbound <- f:
		return true
	default:
		logger.Warn("Subscriber outbound queue full, dropping subscriber",
			"address", s.conn.RemoteAddr().String())
		s.hub.remove(s)
		return false
	}
}

// enqueueWait is like enqueue but waits up to timeout for queue space.
// Backfill uses it so large transfers apply backpressure instead of
// overrunning the queue.
func (s *Subscriber) enqueueWait(f Frame, timeout time.Duration) bool {
	select {
	case s.outbound <- f:
		return true
	case <-s.done:
		return false
	case <-time.After(timeout):
		logger.Warn("Subscriber backfill stalled, dropping subscriber",
			"address", s.conn.RemoteAddr().String())
		s.hub.remove(s)
		return false
	}
}

// writePump drains the outbound queue onto the socket. Failed writes are
// retried per frame class (batch frames more patiently); a write that
// exhausts its retries removes the subscriber.
func (s *Subscriber) writePump() {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.outbound:
			if !s.writeWithRetry(f) {
				s.hub.remove(s)
				return
			}
			s.sentCount.Add(1)
		}
	}
}

func (s *Subscriber) writeWithRetry(f Frame) bool {
	retries, backoff := broadcastRetries, broadcastBackoff
	if isBatchFrame(f.Type) {
		retries, backoff = batchRetries, batchBackoff
	}

	for attempt := 0; ; attempt++ {
		if err := s.writeFrame(f); err == nil {
			return true
		} else if attempt >= retries {
			logger.Debug("Subscriber send failed",
				"address", s.conn.RemoteAddr().String(),
				"type", f.Type, "attempts", attempt+1, "error", err)
			s.failedProbes.Add(1)
			return false
		}
		s.failedProbes.Add(1)
		time.Sleep(backoff)
	}
}

func (s *Subscriber) writeFrame(f Frame) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(f)
}

// close tears the subscriber down exactly once.
func (s *Subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Subscriber) setBackfill(attempts []capture.Attempt, batchSize int) {
	s.backfillMu.Lock()
	s.backfill = attempts
	s.backfillSize = batchSize
	s.backfillMu.Unlock()
}

func (s *Subscriber) backfillSnapshot() ([]capture.Attempt, int) {
	s.backfillMu.Lock()
	defer s.backfillMu.Unlock()
	return s.backfill, s.backfillSize
}
