package hub

import (
	"context"
	"time"

	"github.com/credtrap/credtrap/internal/logger"
)

const backfillEnqueueTimeout = 30 * time.Second

// interBatchDelay paces a chunked transfer so large histories do not
// monopolize the socket or the peer's event loop.
func interBatchDelay(totalItems int) time.Duration {
	switch {
	case totalItems > 30000:
		return 200 * time.Millisecond
	case totalItems > 10000:
		return 100 * time.Millisecond
	default:
		return 50 * time.Millisecond
	}
}

// sendFullBackfill streams the entire attempt history to one subscriber
// as batch_start, numbered batch_data chunks, then batch_complete. The
// snapshot is retained on the subscriber so missing batches can be
// re-sent byte-identical.
func (h *Hub) sendFullBackfill(sub *Subscriber) {
	attempts, err := h.source.RecentAttempts(context.Background(), 0)
	if err != nil {
		logger.Error("Backfill query failed",
			"address", sub.conn.RemoteAddr().String(), "error", err)
		sub.enqueue(Frame{Type: TypeBatchError, Data: BatchErrorData{
			Message: "failed to load attempt history",
		}})
		return
	}

	total := len(attempts)
	size := batchSizeFor(total)
	batches := (total + size - 1) / size
	if total == 0 {
		batches = 0
	}
	sub.setBackfill(attempts, size)

	if !sub.enqueueWait(Frame{Type: TypeBatchStart, Data: BatchStartData{
		TotalItems:   total,
		TotalBatches: batches,
		BatchSize:    size,
	}}, backfillEnqueueTimeout) {
		return
	}

	delay := interBatchDelay(total)
	for i := 0; i < batches; i++ {
		lo := i * size
		hi := lo + size
		if hi > total {
			hi = total
		}
		ok := sub.enqueueWait(Frame{Type: TypeBatchData, Data: BatchData{
			BatchNumber:  i + 1,
			TotalBatches: batches,
			Items:        attempts[lo:hi],
		}}, backfillEnqueueTimeout)
		if !ok {
			return
		}
		time.Sleep(delay)
	}

	sub.enqueueWait(Frame{Type: TypeBatchComplete, Data: BatchCompleteData{
		TotalItems:   total,
		TotalBatches: batches,
	}}, backfillEnqueueTimeout)
	logger.Info("Backfill complete",
		"address", sub.conn.RemoteAddr().String(),
		"items", total, "batches", batches)
}

// resendBatches re-delivers specific chunks from the retained snapshot.
// Out-of-range numbers are skipped; an empty snapshot yields batch_error.
func (h *Hub) resendBatches(sub *Subscriber, batchNumbers []int) {
	attempts, size := sub.backfillSnapshot()
	if len(attempts) == 0 || size <= 0 {
		sub.enqueue(Frame{Type: TypeBatchError, Data: BatchErrorData{
			Message: "no transfer in progress",
		}})
		return
	}

	total := len(attempts)
	batches := (total + size - 1) / size
	for _, n := range batchNumbers {
		if n < 1 || n > batches {
			logger.Debug("Ignoring out-of-range batch request",
				"address", sub.conn.RemoteAddr().String(), "batch", n)
			continue
		}
		lo := (n - 1) * size
		hi := lo + size
		if hi > total {
			hi = total
		}
		ok := sub.enqueueWait(Frame{Type: TypeBatchData, Data: BatchData{
			BatchNumber:  n,
			TotalBatches: batches,
			Items:        attempts[lo:hi],
		}}, backfillEnqueueTimeout)
		if !ok {
			return
		}
	}
}
