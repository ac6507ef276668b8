package staging

import "time"

// Status is the staging workflow state of an export.
type Status string

const (
	StatusPrepared    Status = "prepared"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusPosted      Status = "posted"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusRolledBack  Status = "rolled_back"
)

// Active reports whether the export still blocks a new staging attempt for
// the same (invoice, destination) pair.
func (s Status) Active() bool {
	return s == StatusPrepared || s == StatusUnderReview
}

// ExportFormat is the serialization an export targets.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// Action names an audited workflow transition.
type Action string

const (
	ActionCreated       Action = "created"
	ActionReviewStarted Action = "review_started"
	ActionApproved      Action = "approved"
	ActionRejected      Action = "rejected"
	ActionPosted        Action = "posted"
	ActionRolledBack    Action = "rolled_back"
	ActionFailed        Action = "failed"
)

// Impact grades how consequential a transition was for reviewers.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// StagedExport mirrors the staged_exports table: one pending or completed
// attempt to send an invoice's data to a destination system. Rows are never
// physically deleted.
type StagedExport struct {
	ID                string
	InvoiceID         string
	DestinationSystem string
	Format            ExportFormat
	Status            Status

	OriginalData map[string]any
	PreparedData map[string]any
	ApprovedData map[string]any
	PostedData   map[string]any

	FieldChanges []FieldChange
	DiffSummary  *Summary

	QualityScore     int
	ValidationErrors []string

	ExternalReference *string
	ExportJobID       *string

	BatchID         *string
	Priority        int
	BusinessUnit    *string
	CostCenter      *string
	ComplianceFlags map[string]any
	AuditNotes      *string

	PreparedBy string
	ApprovedBy *string
	PostedBy   *string
	RejectedBy *string

	PreparedAt time.Time
	ApprovedAt *time.Time
	PostedAt   *time.Time
	RejectedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EffectiveData returns the payload a post should send: the approved snapshot
// when the reviewer modified it, otherwise the prepared snapshot.
func (e StagedExport) EffectiveData() map[string]any {
	if e.ApprovedData != nil {
		return e.ApprovedData
	}
	return e.PreparedData
}

// AuditEntry is one immutable row in the staging audit trail.
type AuditEntry struct {
	ID            int64
	ExportID      string
	Action        Action
	ActionBy      string
	PreviousState map[string]any
	NewState      map[string]any
	BusinessEvent string
	Impact        Impact
	Notes         *string
	CreatedAt     time.Time
}

// Batch aggregates staged exports under one business batch with persisted
// rollup counters.
type Batch struct {
	ID            string
	Name          string
	CreatedBy     string
	TotalCount    int
	PreparedCount int
	ApprovedCount int
	PostedCount   int
	RejectedCount int
	FailedCount   int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChainStepStatus tracks one step of an optional multi-level approval chain.
type ChainStepStatus string

const (
	ChainStepPending  ChainStepStatus = "pending"
	ChainStepApproved ChainStepStatus = "approved"
	ChainStepRejected ChainStepStatus = "rejected"
	ChainStepSkipped  ChainStepStatus = "skipped"
)

// ChainStep is one required approval in an ordered chain. Chains are an
// extension point: the orchestrator's transition guards stay single-approver.
type ChainStep struct {
	ID           string
	ExportID     string
	StepNumber   int
	RequiredRole string
	Status       ChainStepStatus
	ActedBy      *string
	ActedAt      *time.Time
	CreatedAt    time.Time
}

// StageExportParams describes a new staging attempt.
type StageExportParams struct {
	InvoiceID         string         `validate:"required,uuid4"`
	DestinationSystem string         `validate:"required"`
	Format            ExportFormat   `validate:"required,oneof=json csv"`
	Data              map[string]any `validate:"required"`
	PreparedBy        string         `validate:"required"`
	BatchID           *string
	Priority          int
	BusinessUnit      *string
	CostCenter        *string
	ComplianceFlags   map[string]any
}

// ApproveParams carries an approval, optionally with reviewer-edited data.
type ApproveParams struct {
	ExportID     string `validate:"required,uuid4"`
	ApprovedBy   string `validate:"required"`
	ApprovedData map[string]any
	ChangeReason string
	Comments     string
}

// RejectParams carries a rejection and its mandatory reason.
type RejectParams struct {
	ExportID   string `validate:"required,uuid4"`
	RejectedBy string `validate:"required"`
	Reason     string `validate:"required"`
}

// PostParams carries the handoff to the destination system.
type PostParams struct {
	ExportID          string `validate:"required,uuid4"`
	PostedBy          string `validate:"required"`
	ExternalReference string
	Filename          string
	SizeBytes         int64
}

// RollbackParams reverses a posted export at the destination.
type RollbackParams struct {
	ExportID     string `validate:"required,uuid4"`
	RolledBackBy string `validate:"required"`
	Reason       string `validate:"required"`
}

// ListFilters narrows ListExports queries.
type ListFilters struct {
	InvoiceID   string
	Destination string
	Status      Status
	BatchID     string
	Limit       int
}
