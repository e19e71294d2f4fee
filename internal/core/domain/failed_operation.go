package domain

import (
	"encoding/json"
	"time"
)

// FailedOperation is a unit of work that exhausted its retries and was
// parked in the dead-letter queue for later replay.
type FailedOperation struct {
	ID            string                `json:"id"`
	OperationType OperationType         `json:"operation_type"`
	Payload       json.RawMessage       `json:"payload"`
	LastError     string                `json:"last_error"`
	ErrorKind     string                `json:"error_kind"`
	AttemptCount  int                   `json:"attempt_count"`
	Status        FailedOperationStatus `json:"status"`
	FirstFailedAt time.Time             `json:"first_failed_at"`
	LastFailedAt  time.Time             `json:"last_failed_at"`
}

type FailedOperationStatus string

const (
	FailedOperationPending   FailedOperationStatus = "pending"
	FailedOperationResolved  FailedOperationStatus = "resolved"
	FailedOperationDiscarded FailedOperationStatus = "discarded"
)

// OperationType names the kind of work a queued payload represents, so
// replay can dispatch it to the right handler.
type OperationType string

const (
	OperationScrapeSource OperationType = "scrape_source"
	OperationFetchAPI     OperationType = "fetch_api"
	OperationNLPBatch     OperationType = "nlp_batch"
)
