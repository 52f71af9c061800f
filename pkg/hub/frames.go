package hub

import (
	"encoding/json"

	"github.com/credtrap/credtrap/pkg/capture"
)

// Frame is the envelope for every hub message, both directions.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Server to client frame types.
const (
	TypeInitialAttempts   = "initial_attempts"
	TypeLoginAttempt      = "login_attempt"
	TypeBatchStart        = "batch_start"
	TypeBatchData         = "batch_data"
	TypeBatchComplete     = "batch_complete"
	TypeBatchError        = "batch_error"
	TypeExternalIP        = "external_ip"
	TypeSystemMetrics     = "system_metrics"
	TypeServiceStatus     = "service_status"
	TypeHeartbeatResponse = "heartbeat_response"
	TypePong              = "pong"
	TypeServerHeartbeat   = "server_heartbeat"
)

// Client to server frame types.
const (
	TypeRequestAttempts       = "request_attempts"
	TypeRequestDataBatches    = "request_data_batches"
	TypeBatchAck              = "batch_ack"
	TypeRequestMissingBatches = "request_missing_batches"
	TypeHeartbeat             = "heartbeat"
	TypePing                  = "ping"
)

// inboundFrame defers payload decoding until the type is known.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// BatchStartData opens a chunked backfill transfer.
type BatchStartData struct {
	TotalItems   int `json:"total_items"`
	TotalBatches int `json:"total_batches"`
	BatchSize    int `json:"batch_size"`
}

// BatchData carries one numbered chunk. Batch numbers are 1-based.
type BatchData struct {
	BatchNumber  int               `json:"batch_number"`
	TotalBatches int               `json:"total_batches"`
	Items        []capture.Attempt `json:"items"`
}

// BatchCompleteData closes a transfer.
type BatchCompleteData struct {
	TotalItems   int `json:"total_items"`
	TotalBatches int `json:"total_batches"`
}

// BatchErrorData reports an aborted transfer.
type BatchErrorData struct {
	Message string `json:"message"`
}

// batchAckData acknowledges receipt of one batch.
type batchAckData struct {
	BatchNumber int `json:"batch_number"`
}

// missingBatchesData requests re-delivery of specific batches.
type missingBatchesData struct {
	BatchNumbers []int `json:"batch_numbers"`
}

// batchSizeFor returns the chunk size for a dataset of n items.
// Above 30k the size drops back to 500 to bound peak marshaling memory.
func batchSizeFor(n int) int {
	switch {
	case n <= 100:
		if n < 1 {
			return 1
		}
		return n
	case n <= 1000:
		return 100
	case n <= 10000:
		return 500
	case n <= 30000:
		return 1000
	default:
		return 500
	}
}

// isBatchFrame reports whether a frame belongs to a backfill transfer,
// which gets the more patient retry policy.
func isBatchFrame(frameType string) bool {
	switch frameType {
	case TypeBatchStart, TypeBatchData, TypeBatchComplete, TypeBatchError:
		return true
	}
	return false
}
