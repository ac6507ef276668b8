package staging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"

	"apflow/invoice"
)

// Pool abstracts pgxpool.Pool for testability.
type Pool interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// InvoiceReader is the slice of the invoice store the orchestrator needs.
type InvoiceReader interface {
	GetByID(ctx context.Context, id string) (invoice.Record, error)
}

// Repository defines the data access required by the orchestrator.
type Repository interface {
	InsertExport(ctx context.Context, q DBTX, e StagedExport) (StagedExport, error)
	FindActiveExportID(ctx context.Context, q DBTX, invoiceID, destination string) (string, error)
	GetExport(ctx context.Context, q DBTX, id string) (StagedExport, error)
	StartReview(ctx context.Context, tx pgx.Tx, id string) (StagedExport, error)
	ApproveExport(ctx context.Context, tx pgx.Tx, id, approvedBy string, approvedData map[string]any, changes []FieldChange, summary Summary) (StagedExport, error)
	RejectExport(ctx context.Context, tx pgx.Tx, id, rejectedBy, reason string) (StagedExport, error)
	PostExport(ctx context.Context, tx pgx.Tx, id, postedBy string, postedData map[string]any, externalReference, exportJobID string) (StagedExport, error)
	RollbackExport(ctx context.Context, tx pgx.Tx, id, rolledBackBy, reason string) (StagedExport, error)
	FailExport(ctx context.Context, tx pgx.Tx, id, reason string) (StagedExport, error)
	AppendAudit(ctx context.Context, tx pgx.Tx, entry AuditEntry) error
	ListAudit(ctx context.Context, q DBTX, exportID string) ([]AuditEntry, error)
	ListExports(ctx context.Context, q DBTX, filters ListFilters) ([]StagedExport, error)
	CreateBatch(ctx context.Context, q DBTX, name, createdBy string) (Batch, error)
	GetBatch(ctx context.Context, q DBTX, id string) (Batch, error)
	RefreshBatch(ctx context.Context, tx pgx.Tx, batchID string) error
	CreateChainSteps(ctx context.Context, tx pgx.Tx, exportID string, roles []string) ([]ChainStep, error)
	ListChain(ctx context.Context, q DBTX, exportID string) ([]ChainStep, error)
	AdvanceChainStep(ctx context.Context, tx pgx.Tx, stepID string, status ChainStepStatus, actedBy string) (ChainStep, error)
}

// Service is the staging orchestrator: it drives the approval state machine,
// computes diffs and quality scores, and records one audit trail row per
// transition inside the same transaction as the status mutation.
type Service struct {
	pool       Pool
	repo       Repository
	invoices   InvoiceReader
	poster     DestinationPoster
	rollbacker DestinationRollbacker
	scorer     Scorer
	validate   *validator.Validate
}

func NewService(pool Pool, invoices InvoiceReader, repo Repository) *Service {
	if repo == nil {
		repo = NewPGRepository()
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		invoices: invoices,
		scorer:   NewPenaltyScorer(),
		validate: validator.New(),
	}
}

// WithPoster wires the destination system collaborator.
func (s *Service) WithPoster(p DestinationPoster) *Service {
	s.poster = p
	return s
}

// WithRollbacker wires the destination rollback collaborator.
func (s *Service) WithRollbacker(r DestinationRollbacker) *Service {
	s.rollbacker = r
	return s
}

// WithScorer replaces the default quality scoring strategy.
func (s *Service) WithScorer(sc Scorer) *Service {
	s.scorer = sc
	return s
}

// Stage creates a new prepared export for an invoice and destination. Fails
// with ErrActiveExportExists while an earlier export for the same pair is
// still in an active status.
func (s *Service) Stage(ctx context.Context, params StageExportParams) (StagedExport, error) {
	if err := s.validate.Struct(params); err != nil {
		return StagedExport{}, fmt.Errorf("%w: stage params: %v", ErrValidation, err)
	}
	if findings := ValidateFormat(params.Format, params.Data); len(findings) > 0 {
		return StagedExport{}, fmt.Errorf("%w: %s", ErrValidation, strings.Join(findings, "; "))
	}

	inv, err := s.invoices.GetByID(ctx, params.InvoiceID)
	if err != nil {
		if errors.Is(err, invoice.ErrNotFound) {
			return StagedExport{}, fmt.Errorf("%w: invoice %s", ErrInvoiceNotFound, params.InvoiceID)
		}
		return StagedExport{}, fmt.Errorf("staging: load invoice: %w", err)
	}
	original := inv.Snapshot()
	score, findings := s.scorer.Score(params.Data, original)
	diff := Compare(original, params.Data)
	summary := diff.Summary()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return StagedExport{}, fmt.Errorf("staging: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Fast path; the partial unique index is the backstop under races.
	activeID, err := s.repo.FindActiveExportID(ctx, tx, params.InvoiceID, params.DestinationSystem)
	if err != nil {
		return StagedExport{}, err
	}
	if activeID != "" {
		return StagedExport{}, fmt.Errorf("%w: export %s", ErrActiveExportExists, activeID)
	}

	rec, err := s.repo.InsertExport(ctx, tx, StagedExport{
		InvoiceID:         params.InvoiceID,
		DestinationSystem: params.DestinationSystem,
		Format:            params.Format,
		OriginalData:      original,
		PreparedData:      params.Data,
		FieldChanges:      diff.Changes(),
		DiffSummary:       &summary,
		QualityScore:      score,
		ValidationErrors:  findings,
		BatchID:           params.BatchID,
		Priority:          params.Priority,
		BusinessUnit:      params.BusinessUnit,
		CostCenter:        params.CostCenter,
		ComplianceFlags:   params.ComplianceFlags,
		PreparedBy:        params.PreparedBy,
	})
	if err != nil {
		return StagedExport{}, err
	}

	if err := s.recordTransition(ctx, tx, nil, rec, ActionCreated, params.PreparedBy, ImpactLow, "export_staged", nil); err != nil {
		return StagedExport{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return StagedExport{}, fmt.Errorf("staging: commit stage: %w", err)
	}
	return rec, nil
}

// StartReview moves a prepared export under review.
func (s *Service) StartReview(ctx context.Context, exportID, reviewer string) (StagedExport, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return StagedExport{}, fmt.Errorf("staging: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	prev, err := s.repo.GetExport(ctx, tx, exportID)
	if err != nil {
		return StagedExport{}, err
	}
	rec, err := s.repo.StartReview(ctx, tx, exportID)
	if err != nil {
		return StagedExport{}, s.transitionError(ctx, tx, exportID, "start review", err)
	}
	if err := s.recordTransition(ctx, tx, &prev, rec, ActionReviewStarted, reviewer, ImpactLow, "review_started", nil); err != nil {
		return StagedExport{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return StagedExport{}, fmt.Errorf("staging: commit review start: %w", err)
	}
	return rec, nil
}

// Approve moves an active export to approved. When the reviewer supplies
// modified data it is re-validated structurally and the field-level changes
// feed the audit impact assessment.
func (s *Service) Approve(ctx context.Context, params ApproveParams) (StagedExport, error) {
	if err := s.validate.Struct(params); err != nil {
		return StagedExport{}, fmt.Errorf("%w: approve params: %v", ErrValidation, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return StagedExport{}, fmt.Errorf("staging: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	prev, err := s.repo.GetExport(ctx, tx, params.ExportID)
	if err != nil {
		return StagedExport{}, err
	}

	approvedData := params.ApprovedData
	changes := prev.FieldChanges
	summary := Summary{}
	if prev.DiffSummary != nil {
		summary = *prev.DiffSummary
	}
	impact := ImpactLow
	if approvedData == nil {
		approvedData = prev.PreparedData
	} else {
		rep := Compare(prev.PreparedData, approvedData)
		if !rep.Empty() {
			if findings := ValidateFormat(prev.Format, approvedData); len(findings) > 0 {
				return StagedExport{}, fmt.Errorf("%w: %s", ErrValidation, strings.Join(findings, "; "))
			}
			changes = rep.Changes()
			summary = rep.Summary()
			impact = ImpactOf(summary.Total)
		}
	}

	rec, err := s.repo.ApproveExport(ctx, tx, params.ExportID, params.ApprovedBy, approvedData, changes, summary)
	if err != nil {
		return StagedExport{}, s.transitionError(ctx, tx, params.ExportID, "approve", err)
	}

	notes := auditNotes(params.ChangeReason, params.Comments)
	if err := s.recordTransition(ctx, tx, &prev, rec, ActionApproved, params.ApprovedBy, impact, "export_approved", notes); err != nil {
		return StagedExport{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return StagedExport{}, fmt.Errorf("staging: commit approve: %w", err)
	}
	return rec, nil
}

// Reject moves an active export to rejected and records the reason.
func (s *Service) Reject(ctx context.Context, params RejectParams) (StagedExport, error) {
	if err := s.validate.Struct(params); err != nil {
		return StagedExport{}, fmt.Errorf("%w: reject params: %v", ErrValidation, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return StagedExport{}, fmt.Errorf("staging: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	prev, err := s.repo.GetExport(ctx, tx, params.ExportID)
	if err != nil {
		return StagedExport{}, err
	}
	rec, err := s.repo.RejectExport(ctx, tx, params.ExportID, params.RejectedBy, params.Reason)
	if err != nil {
		return StagedExport{}, s.transitionError(ctx, tx, params.ExportID, "reject", err)
	}
	if err := s.recordTransition(ctx, tx, &prev, rec, ActionRejected, params.RejectedBy, ImpactLow, "export_rejected", &params.Reason); err != nil {
		return StagedExport{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return StagedExport{}, fmt.Errorf("staging: commit reject: %w", err)
	}
	return rec, nil
}

// Post hands the approved data to the destination system, then records the
// transition. A destination failure propagates and leaves the export
// approved so the post can be retried without restaging.
func (s *Service) Post(ctx context.Context, params PostParams) (StagedExport, error) {
	if err := s.validate.Struct(params); err != nil {
		return StagedExport{}, fmt.Errorf("%w: post params: %v", ErrValidation, err)
	}
	if s.poster == nil {
		return StagedExport{}, fmt.Errorf("staging: no destination poster configured")
	}

	cur, err := s.repo.GetExport(ctx, s.pool, params.ExportID)
	if err != nil {
		return StagedExport{}, err
	}
	if cur.Status != StatusApproved {
		return StagedExport{}, fmt.Errorf("%w: cannot post export in status %q", ErrInvalidTransition, cur.Status)
	}

	res, err := s.poster.Post(ctx, cur.EffectiveData(), cur.DestinationSystem, cur.Format, params.ExternalReference)
	if err != nil {
		return StagedExport{}, fmt.Errorf("%w: post to %s: %v", ErrDestinationFailed, cur.DestinationSystem, err)
	}
	postedData := res.PostedData
	if postedData == nil {
		postedData = cur.EffectiveData()
	}
	externalReference := params.ExternalReference
	if externalReference == "" {
		// The destination keyed the artifact by its own job id; store that
		// as the reference so a later rollback can still target it.
		externalReference = res.ExportJobID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return StagedExport{}, fmt.Errorf("staging: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.PostExport(ctx, tx, params.ExportID, params.PostedBy, postedData, externalReference, res.ExportJobID)
	if err != nil {
		return StagedExport{}, s.transitionError(ctx, tx, params.ExportID, "post", err)
	}

	// Posting is an irreversible side effect against an external system.
	notes := auditNotes(params.Filename, "")
	if err := s.recordTransition(ctx, tx, &cur, rec, ActionPosted, params.PostedBy, ImpactHigh, "export_posted", notes); err != nil {
		return StagedExport{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return StagedExport{}, fmt.Errorf("staging: commit post: %w", err)
	}
	return rec, nil
}

// Rollback reverses a posted export at the destination. If the destination
// rollback fails the export stays posted and the error propagates.
func (s *Service) Rollback(ctx context.Context, params RollbackParams) (StagedExport, error) {
	if err := s.validate.Struct(params); err != nil {
		return StagedExport{}, fmt.Errorf("%w: rollback params: %v", ErrValidation, err)
	}
	if s.rollbacker == nil {
		return StagedExport{}, fmt.Errorf("staging: no destination rollbacker configured")
	}

	cur, err := s.repo.GetExport(ctx, s.pool, params.ExportID)
	if err != nil {
		return StagedExport{}, err
	}
	if cur.Status != StatusPosted {
		return StagedExport{}, fmt.Errorf("%w: cannot roll back export in status %q", ErrInvalidTransition, cur.Status)
	}
	var extRef string
	if cur.ExternalReference != nil {
		extRef = *cur.ExternalReference
	}

	if err := s.rollbacker.Rollback(ctx, cur.DestinationSystem, extRef, params.Reason); err != nil {
		return StagedExport{}, fmt.Errorf("%w: rollback at %s: %v", ErrDestinationFailed, cur.DestinationSystem, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return StagedExport{}, fmt.Errorf("staging: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.RollbackExport(ctx, tx, params.ExportID, params.RolledBackBy, params.Reason)
	if err != nil {
		return StagedExport{}, s.transitionError(ctx, tx, params.ExportID, "roll back", err)
	}
	if err := s.recordTransition(ctx, tx, &cur, rec, ActionRolledBack, params.RolledBackBy, ImpactHigh, "export_rolled_back", &params.Reason); err != nil {
		return StagedExport{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return StagedExport{}, fmt.Errorf("staging: commit rollback: %w", err)
	}
	return rec, nil
}

// Fail parks an export in failed after an unrecoverable internal error.
func (s *Service) Fail(ctx context.Context, exportID, actor, reason string) (StagedExport, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return StagedExport{}, fmt.Errorf("staging: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	prev, err := s.repo.GetExport(ctx, tx, exportID)
	if err != nil {
		return StagedExport{}, err
	}
	rec, err := s.repo.FailExport(ctx, tx, exportID, reason)
	if err != nil {
		return StagedExport{}, s.transitionError(ctx, tx, exportID, "fail", err)
	}
	if err := s.recordTransition(ctx, tx, &prev, rec, ActionFailed, actor, ImpactMedium, "export_failed", &reason); err != nil {
		return StagedExport{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return StagedExport{}, fmt.Errorf("staging: commit fail: %w", err)
	}
	return rec, nil
}

// DiffReport is the comprehensive diff for one staged export.
type DiffReport struct {
	ExportID           string
	OriginalToPrepared Report
	PreparedToApproved *Report
	Summary            Summary
}

// GetDiff recomputes the field-level diffs between the export's snapshots.
func (s *Service) GetDiff(ctx context.Context, exportID string) (DiffReport, error) {
	e, err := s.repo.GetExport(ctx, s.pool, exportID)
	if err != nil {
		return DiffReport{}, err
	}
	rep := Compare(e.OriginalData, e.PreparedData)
	out := DiffReport{
		ExportID:           exportID,
		OriginalToPrepared: rep,
		Summary:            rep.Summary(),
	}
	if e.ApprovedData != nil {
		approval := Compare(e.PreparedData, e.ApprovedData)
		out.PreparedToApproved = &approval
	}
	return out, nil
}

// GetExport fetches one staged export.
func (s *Service) GetExport(ctx context.Context, exportID string) (StagedExport, error) {
	return s.repo.GetExport(ctx, s.pool, exportID)
}

// ListExports returns exports matching the filters.
func (s *Service) ListExports(ctx context.Context, filters ListFilters) ([]StagedExport, error) {
	return s.repo.ListExports(ctx, s.pool, filters)
}

// GetAuditTrail returns the export's audit entries in write order.
func (s *Service) GetAuditTrail(ctx context.Context, exportID string) ([]AuditEntry, error) {
	return s.repo.ListAudit(ctx, s.pool, exportID)
}

// CreateBatch opens a new staging batch.
func (s *Service) CreateBatch(ctx context.Context, name, createdBy string) (Batch, error) {
	if name == "" || createdBy == "" {
		return Batch{}, fmt.Errorf("%w: batch name and creator required", ErrValidation)
	}
	return s.repo.CreateBatch(ctx, s.pool, name, createdBy)
}

// GetBatch returns a batch with its rollup counters.
func (s *Service) GetBatch(ctx context.Context, id string) (Batch, error) {
	return s.repo.GetBatch(ctx, s.pool, id)
}

// CreateApprovalChain seeds an ordered multi-level approval chain for an
// export. The chain is informational; transition guards stay single-approver.
func (s *Service) CreateApprovalChain(ctx context.Context, exportID string, roles []string) ([]ChainStep, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: at least one approval role required", ErrValidation)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("staging: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.GetExport(ctx, tx, exportID); err != nil {
		return nil, err
	}
	steps, err := s.repo.CreateChainSteps(ctx, tx, exportID, roles)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("staging: commit chain: %w", err)
	}
	return steps, nil
}

// GetApprovalChain returns the chain steps for an export in order.
func (s *Service) GetApprovalChain(ctx context.Context, exportID string) ([]ChainStep, error) {
	return s.repo.ListChain(ctx, s.pool, exportID)
}

// AdvanceApprovalStep records a decision on one pending chain step.
func (s *Service) AdvanceApprovalStep(ctx context.Context, stepID string, status ChainStepStatus, actedBy string) (ChainStep, error) {
	if status != ChainStepApproved && status != ChainStepRejected && status != ChainStepSkipped {
		return ChainStep{}, fmt.Errorf("%w: invalid chain step status %q", ErrValidation, status)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ChainStep{}, fmt.Errorf("staging: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	step, err := s.repo.AdvanceChainStep(ctx, tx, stepID, status, actedBy)
	if err != nil {
		return ChainStep{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ChainStep{}, fmt.Errorf("staging: commit chain step: %w", err)
	}
	return step, nil
}

// recordTransition appends the audit row and refreshes batch rollups inside
// the caller's transaction, so the status mutation and its audit entry are
// durable together or not at all.
func (s *Service) recordTransition(ctx context.Context, tx pgx.Tx, prev *StagedExport, next StagedExport, action Action, actor string, impact Impact, event string, notes *string) error {
	entry := AuditEntry{
		ExportID:      next.ID,
		Action:        action,
		ActionBy:      actor,
		NewState:      stateSnapshot(next),
		BusinessEvent: event,
		Impact:        impact,
		Notes:         notes,
	}
	if prev != nil {
		entry.PreviousState = stateSnapshot(*prev)
	}
	if err := s.repo.AppendAudit(ctx, tx, entry); err != nil {
		return err
	}
	if next.BatchID != nil {
		if err := s.repo.RefreshBatch(ctx, tx, *next.BatchID); err != nil {
			return err
		}
	}
	return nil
}

// transitionError diagnoses a compare-and-swap miss: the row either vanished
// or sits in a status the operation does not allow.
func (s *Service) transitionError(ctx context.Context, tx pgx.Tx, exportID, op string, cause error) error {
	if !errors.Is(cause, pgx.ErrNoRows) {
		return cause
	}
	cur, err := s.repo.GetExport(ctx, tx, exportID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot %s export in status %q", ErrInvalidTransition, op, cur.Status)
}

func stateSnapshot(e StagedExport) map[string]any {
	snap := map[string]any{
		"staging_status":     string(e.Status),
		"destination_system": e.DestinationSystem,
		"quality_score":      e.QualityScore,
	}
	if e.ExternalReference != nil {
		snap["external_reference"] = *e.ExternalReference
	}
	if e.ExportJobID != nil {
		snap["export_job_id"] = *e.ExportJobID
	}
	return snap
}

func auditNotes(parts ...string) *string {
	joined := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			joined = append(joined, p)
		}
	}
	if len(joined) == 0 {
		return nil
	}
	out := strings.Join(joined, "; ")
	return &out
}
