package idempotency

import "time"

// OperationType identifies the kind of side-effecting operation a record
// fingerprints.
type OperationType string

const (
	OpInvoiceUpload    OperationType = "invoice_upload"
	OpInvoiceProcess   OperationType = "invoice_process"
	OpExportStage      OperationType = "export_stage"
	OpExportPost       OperationType = "export_post"
	OpExceptionResolve OperationType = "exception_resolve"
	OpBatchOperation   OperationType = "batch_operation"
)

// OperationStatus tracks the lifecycle of a ledger record.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInProgress OperationStatus = "in_progress"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusCancelled  OperationStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s OperationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ConflictType classifies a logged idempotency collision.
type ConflictType string

const (
	ConflictConcurrentDuplicate ConflictType = "concurrent_duplicate"
	ConflictStaleRetry          ConflictType = "stale_retry"
	ConflictStatusMismatch      ConflictType = "status_mismatch"
	ConflictRetriesExhausted    ConflictType = "retries_exhausted"
)

// Record mirrors the idempotency_records table. It is the single source of
// truth for whether a logical operation already happened; only this package
// writes to it.
type Record struct {
	ID             string
	Key            string
	OperationType  OperationType
	Status         OperationStatus
	OperationData  map[string]any
	ResultData     map[string]any
	ErrorData      map[string]any
	ExecutionCount int
	MaxExecutions  int
	TTLSeconds     int
	ExpiresAt      time.Time
	UserID         *string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the record's TTL has elapsed at the given instant.
func (r Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Retriable reports whether a failed record may be attempted again.
func (r Record) Retriable() bool {
	return r.ExecutionCount < r.MaxExecutions
}

// Conflict is one append-only collision log row linked to a Record.
type Conflict struct {
	ID          int64
	RecordID    string
	Key         string
	Type        ConflictType
	RequestedBy *string
	RequestData map[string]any
	CreatedAt   time.Time
}

// CleanupStats summarises one garbage-collection pass over expired terminal
// records.
type CleanupStats struct {
	Examined         int64
	RecordsDeleted   int64
	ConflictsDeleted int64
	DryRun           bool
}

// Metrics aggregates ledger activity inside a window for observability.
type Metrics struct {
	WindowStart   time.Time
	WindowEnd     time.Time
	CountByStatus map[OperationStatus]int64
	ConflictCount int64
}
