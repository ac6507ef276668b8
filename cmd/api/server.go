package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"apflow/idempotency"
	"apflow/invoice"
	"apflow/staging"
)

type stagingService interface {
	Stage(ctx context.Context, params staging.StageExportParams) (staging.StagedExport, error)
	StartReview(ctx context.Context, exportID, reviewer string) (staging.StagedExport, error)
	Approve(ctx context.Context, params staging.ApproveParams) (staging.StagedExport, error)
	Reject(ctx context.Context, params staging.RejectParams) (staging.StagedExport, error)
	Post(ctx context.Context, params staging.PostParams) (staging.StagedExport, error)
	Rollback(ctx context.Context, params staging.RollbackParams) (staging.StagedExport, error)
	Fail(ctx context.Context, exportID, actor, reason string) (staging.StagedExport, error)
	GetExport(ctx context.Context, exportID string) (staging.StagedExport, error)
	GetDiff(ctx context.Context, exportID string) (staging.DiffReport, error)
	GetAuditTrail(ctx context.Context, exportID string) ([]staging.AuditEntry, error)
	ListExports(ctx context.Context, filters staging.ListFilters) ([]staging.StagedExport, error)
	CreateBatch(ctx context.Context, name, createdBy string) (staging.Batch, error)
	GetBatch(ctx context.Context, id string) (staging.Batch, error)
}

type idempotencyService interface {
	Do(ctx context.Context, params idempotency.CheckAndCreateParams, fn func(context.Context) (map[string]any, error)) (map[string]any, error)
	Get(ctx context.Context, key string) (idempotency.Record, error)
	ListConflicts(ctx context.Context, key string) ([]idempotency.Conflict, error)
	Metrics(ctx context.Context, start, end time.Time, opType *idempotency.OperationType) (idempotency.Metrics, error)
}

type invoiceStore interface {
	GetByID(ctx context.Context, id string) (invoice.Record, error)
	Create(ctx context.Context, params invoice.CreateParams) (invoice.Record, error)
}

// Server is the HTTP surface over the staging workflow and idempotency gate.
type Server struct {
	log            *logrus.Logger
	invoices       invoiceStore
	stagingService stagingService
	gate           idempotencyService
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/invoices", s.handleInvoices)
	mux.HandleFunc("/api/invoices/", s.handleInvoiceDetail)
	mux.HandleFunc("/api/exports", s.handleExports)
	mux.HandleFunc("/api/exports/", s.handleExportDetail)
	mux.HandleFunc("/api/batches", s.handleBatches)
	mux.HandleFunc("/api/batches/", s.handleBatchDetail)
	mux.HandleFunc("/api/operations/", s.handleOperationDetail)
	return mux
}

type exportResponse struct {
	ID                string           `json:"id"`
	InvoiceID         string           `json:"invoiceId"`
	DestinationSystem string           `json:"destinationSystem"`
	Format            string           `json:"format"`
	Status            string           `json:"status"`
	QualityScore      int              `json:"qualityScore"`
	ValidationErrors  []string         `json:"validationErrors,omitempty"`
	DiffSummary       *staging.Summary `json:"diffSummary,omitempty"`
	ExternalReference *string          `json:"externalReference,omitempty"`
	ExportJobID       *string          `json:"exportJobId,omitempty"`
	BatchID           *string          `json:"batchId,omitempty"`
	PreparedBy        string           `json:"preparedBy"`
	PreparedAt        string           `json:"preparedAt"`
}

func toExportResponse(e staging.StagedExport) exportResponse {
	return exportResponse{
		ID:                e.ID,
		InvoiceID:         e.InvoiceID,
		DestinationSystem: e.DestinationSystem,
		Format:            string(e.Format),
		Status:            string(e.Status),
		QualityScore:      e.QualityScore,
		ValidationErrors:  e.ValidationErrors,
		DiffSummary:       e.DiffSummary,
		ExternalReference: e.ExternalReference,
		ExportJobID:       e.ExportJobID,
		BatchID:           e.BatchID,
		PreparedBy:        e.PreparedBy,
		PreparedAt:        e.PreparedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleInvoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		VendorID      string           `json:"vendorId"`
		VendorName    string           `json:"vendorName"`
		InvoiceNumber string           `json:"invoiceNumber"`
		Currency      string           `json:"currency"`
		TotalAmount   string           `json:"totalAmount"`
		LineItems     []map[string]any `json:"lineItems"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rec, err := s.invoices.Create(r.Context(), invoice.CreateParams{
		VendorID:      body.VendorID,
		VendorName:    body.VendorName,
		InvoiceNumber: body.InvoiceNumber,
		Currency:      body.Currency,
		TotalAmount:   body.TotalAmount,
		LineItems:     body.LineItems,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"id": rec.ID, "status": rec.Status})
}

func (s *Server) handleInvoiceDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/invoices/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "invoice id required", http.StatusBadRequest)
		return
	}
	rec, err := s.invoices.GetByID(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec.Snapshot())
}

func (s *Server) handleExports(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleStageExport(w, r)
	case http.MethodGet:
		filters := staging.ListFilters{
			InvoiceID:   r.URL.Query().Get("invoiceId"),
			Destination: r.URL.Query().Get("destination"),
			Status:      staging.Status(r.URL.Query().Get("status")),
			BatchID:     r.URL.Query().Get("batchId"),
		}
		exports, err := s.stagingService.ListExports(r.Context(), filters)
		if err != nil {
			s.writeError(w, err)
			return
		}
		items := make([]exportResponse, 0, len(exports))
		for _, e := range exports {
			items = append(items, toExportResponse(e))
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStageExport runs staging through the idempotency gate: retries with
// the same key replay the first outcome instead of creating a second export.
func (s *Server) handleStageExport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InvoiceID         string         `json:"invoiceId"`
		DestinationSystem string         `json:"destinationSystem"`
		Format            string         `json:"format"`
		Data              map[string]any `json:"data"`
		PreparedBy        string         `json:"preparedBy"`
		BatchID           *string        `json:"batchId"`
		Priority          int            `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = idempotency.ExportKey(body.InvoiceID, body.DestinationSystem, "stage", body.PreparedBy)
	}
	result, err := s.gate.Do(r.Context(), idempotency.CheckAndCreateParams{
		Key:           key,
		OperationType: idempotency.OpExportStage,
		OperationData: map[string]any{"invoice_id": body.InvoiceID, "destination": body.DestinationSystem},
		UserID:        body.PreparedBy,
	}, func(ctx context.Context) (map[string]any, error) {
		rec, err := s.stagingService.Stage(ctx, staging.StageExportParams{
			InvoiceID:         body.InvoiceID,
			DestinationSystem: body.DestinationSystem,
			Format:            staging.ExportFormat(body.Format),
			Data:              body.Data,
			PreparedBy:        body.PreparedBy,
			BatchID:           body.BatchID,
			Priority:          body.Priority,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"export_id": rec.ID, "status": string(rec.Status), "quality_score": rec.QualityScore}, nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleExportDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/exports/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		http.Error(w, "export id required", http.StatusBadRequest)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		rec, err := s.stagingService.GetExport(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, toExportResponse(rec))
	case action == "diff" && r.Method == http.MethodGet:
		rep, err := s.stagingService.GetDiff(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, rep)
	case action == "audit" && r.Method == http.MethodGet:
		trail, err := s.stagingService.GetAuditTrail(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"items": trail})
	case r.Method == http.MethodPost:
		s.handleExportTransition(w, r, id, action)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleExportTransition(w http.ResponseWriter, r *http.Request, id, action string) {
	var body struct {
		Actor             string         `json:"actor"`
		Reason            string         `json:"reason"`
		ApprovedData      map[string]any `json:"approvedData"`
		ChangeReason      string         `json:"changeReason"`
		Comments          string         `json:"comments"`
		ExternalReference string         `json:"externalReference"`
		Filename          string         `json:"filename"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var rec staging.StagedExport
	var err error
	ctx := r.Context()
	switch action {
	case "review":
		rec, err = s.stagingService.StartReview(ctx, id, body.Actor)
	case "approve":
		rec, err = s.stagingService.Approve(ctx, staging.ApproveParams{
			ExportID:     id,
			ApprovedBy:   body.Actor,
			ApprovedData: body.ApprovedData,
			ChangeReason: body.ChangeReason,
			Comments:     body.Comments,
		})
	case "reject":
		rec, err = s.stagingService.Reject(ctx, staging.RejectParams{
			ExportID:   id,
			RejectedBy: body.Actor,
			Reason:     body.Reason,
		})
	case "post":
		rec, err = s.stagingService.Post(ctx, staging.PostParams{
			ExportID:          id,
			PostedBy:          body.Actor,
			ExternalReference: body.ExternalReference,
			Filename:          body.Filename,
		})
	case "rollback":
		rec, err = s.stagingService.Rollback(ctx, staging.RollbackParams{
			ExportID:     id,
			RolledBackBy: body.Actor,
			Reason:       body.Reason,
		})
	case "fail":
		rec, err = s.stagingService.Fail(ctx, id, body.Actor, body.Reason)
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toExportResponse(rec))
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Name      string `json:"name"`
		CreatedBy string `json:"createdBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	batch, err := s.stagingService.CreateBatch(r.Context(), body.Name, body.CreatedBy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, batch)
}

func (s *Server) handleBatchDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/batches/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "batch id required", http.StatusBadRequest)
		return
	}
	batch, err := s.stagingService.GetBatch(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleOperationDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/api/operations/")
	if key == "" {
		http.Error(w, "idempotency key required", http.StatusBadRequest)
		return
	}
	if key == "metrics" {
		var opType *idempotency.OperationType
		if t := r.URL.Query().Get("type"); t != "" {
			op := idempotency.OperationType(t)
			opType = &op
		}
		end := time.Now()
		m, err := s.gate.Metrics(r.Context(), end.Add(-24*time.Hour), end, opType)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, m)
		return
	}
	if rest, ok := strings.CutSuffix(key, "/conflicts"); ok {
		conflicts, err := s.gate.ListConflicts(r.Context(), rest)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"items": conflicts, "total": len(conflicts)})
		return
	}
	rec, err := s.gate.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"key":            rec.Key,
		"operationType":  string(rec.OperationType),
		"status":         string(rec.Status),
		"terminal":       rec.Status.Terminal(),
		"executionCount": rec.ExecutionCount,
		"resultData":     rec.ResultData,
		"errorData":      rec.ErrorData,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Error("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, staging.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, staging.ErrExportNotFound),
		errors.Is(err, staging.ErrInvoiceNotFound),
		errors.Is(err, staging.ErrBatchNotFound),
		errors.Is(err, staging.ErrChainStepNotFound),
		errors.Is(err, invoice.ErrNotFound),
		errors.Is(err, idempotency.ErrRecordNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, staging.ErrActiveExportExists),
		errors.Is(err, staging.ErrInvalidTransition),
		errors.Is(err, invoice.ErrDuplicate),
		errors.Is(err, idempotency.ErrDuplicateOperation):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, idempotency.ErrRetriesExhausted):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, staging.ErrDestinationFailed):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		s.log.WithError(err).Error("unhandled request error")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
