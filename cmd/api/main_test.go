package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"apflow/idempotency"
	"apflow/invoice"
	"apflow/staging"
)

type stubStagingService struct {
	export        staging.StagedExport
	exports       []staging.StagedExport
	trail         []staging.AuditEntry
	diff          staging.DiffReport
	batch         staging.Batch
	err           error
	transitionErr error
}

func (s *stubStagingService) Stage(_ context.Context, _ staging.StageExportParams) (staging.StagedExport, error) {
	return s.export, s.err
}

func (s *stubStagingService) StartReview(_ context.Context, _, _ string) (staging.StagedExport, error) {
	return s.export, s.transitionErr
}

func (s *stubStagingService) Approve(_ context.Context, _ staging.ApproveParams) (staging.StagedExport, error) {
	return s.export, s.transitionErr
}

func (s *stubStagingService) Reject(_ context.Context, _ staging.RejectParams) (staging.StagedExport, error) {
	return s.export, s.transitionErr
}

func (s *stubStagingService) Post(_ context.Context, _ staging.PostParams) (staging.StagedExport, error) {
	return s.export, s.transitionErr
}

func (s *stubStagingService) Rollback(_ context.Context, _ staging.RollbackParams) (staging.StagedExport, error) {
	return s.export, s.transitionErr
}

func (s *stubStagingService) Fail(_ context.Context, _, _, _ string) (staging.StagedExport, error) {
	return s.export, s.transitionErr
}

func (s *stubStagingService) GetExport(_ context.Context, _ string) (staging.StagedExport, error) {
	return s.export, s.err
}

func (s *stubStagingService) GetDiff(_ context.Context, _ string) (staging.DiffReport, error) {
	return s.diff, s.err
}

func (s *stubStagingService) GetAuditTrail(_ context.Context, _ string) ([]staging.AuditEntry, error) {
	return s.trail, s.err
}

func (s *stubStagingService) ListExports(_ context.Context, _ staging.ListFilters) ([]staging.StagedExport, error) {
	return s.exports, s.err
}

func (s *stubStagingService) CreateBatch(_ context.Context, name, createdBy string) (staging.Batch, error) {
	return s.batch, s.err
}

func (s *stubStagingService) GetBatch(_ context.Context, _ string) (staging.Batch, error) {
	return s.batch, s.err
}

// stubGate runs the operation inline, like a fresh reservation would.
type stubGate struct {
	record    idempotency.Record
	conflicts []idempotency.Conflict
	err       error
}

func (s *stubGate) Do(ctx context.Context, _ idempotency.CheckAndCreateParams, fn func(context.Context) (map[string]any, error)) (map[string]any, error) {
	if s.err != nil {
		return nil, s.err
	}
	return fn(ctx)
}

func (s *stubGate) Get(_ context.Context, _ string) (idempotency.Record, error) {
	return s.record, s.err
}

func (s *stubGate) ListConflicts(_ context.Context, _ string) ([]idempotency.Conflict, error) {
	return s.conflicts, s.err
}

func (s *stubGate) Metrics(_ context.Context, _, _ time.Time, _ *idempotency.OperationType) (idempotency.Metrics, error) {
	return idempotency.Metrics{}, s.err
}

type stubInvoices struct {
	rec invoice.Record
	err error
}

func (s *stubInvoices) GetByID(_ context.Context, _ string) (invoice.Record, error) {
	return s.rec, s.err
}

func (s *stubInvoices) Create(_ context.Context, _ invoice.CreateParams) (invoice.Record, error) {
	return s.rec, s.err
}

func newTestServer(svc stagingService, gate idempotencyService) *Server {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return &Server{
		log:            log,
		invoices:       &stubInvoices{},
		stagingService: svc,
		gate:           gate,
	}
}

func TestHandleStageExport_Success(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	server := newTestServer(&stubStagingService{
		export: staging.StagedExport{
			ID:           "e1",
			Status:       staging.StatusPrepared,
			QualityScore: 92,
			PreparedAt:   now,
		},
	}, &stubGate{})

	body := strings.NewReader(`{"invoiceId":"i1","destinationSystem":"netsuite","format":"json","data":{"vendor_name":"Acme"},"preparedBy":"clerk"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/exports", body)
	rec := httptest.NewRecorder()

	server.handleExports(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["export_id"] != "e1" || resp["status"] != "prepared" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleStageExport_Conflict(t *testing.T) {
	server := newTestServer(&stubStagingService{
		err: staging.ErrActiveExportExists,
	}, &stubGate{})

	body := strings.NewReader(`{"invoiceId":"i1","destinationSystem":"netsuite","format":"json","data":{"a":1},"preparedBy":"clerk"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/exports", body)
	rec := httptest.NewRecorder()

	server.handleExports(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleStageExport_DuplicateOperation(t *testing.T) {
	server := newTestServer(&stubStagingService{}, &stubGate{err: idempotency.ErrDuplicateOperation})

	body := strings.NewReader(`{"invoiceId":"i1","destinationSystem":"netsuite","format":"json","data":{"a":1},"preparedBy":"clerk"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/exports", body)
	rec := httptest.NewRecorder()

	server.handleExports(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleExportDetail_NotFound(t *testing.T) {
	server := newTestServer(&stubStagingService{err: staging.ErrExportNotFound}, &stubGate{})

	req := httptest.NewRequest(http.MethodGet, "/api/exports/missing", nil)
	rec := httptest.NewRecorder()

	server.handleExportDetail(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleExportDetail_InvalidPath(t *testing.T) {
	server := newTestServer(&stubStagingService{}, &stubGate{})

	req := httptest.NewRequest(http.MethodGet, "/api/exports/", nil)
	rec := httptest.NewRecorder()

	server.handleExportDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleApprove_Success(t *testing.T) {
	server := newTestServer(&stubStagingService{
		export: staging.StagedExport{ID: "e1", Status: staging.StatusApproved},
	}, &stubGate{})

	body := strings.NewReader(`{"actor":"reviewer"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/exports/e1/approve", body)
	rec := httptest.NewRecorder()

	server.handleExportDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp exportResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(staging.StatusApproved) {
		t.Fatalf("unexpected status: %s", resp.Status)
	}
}

func TestHandleTransition_InvalidStateConflict(t *testing.T) {
	server := newTestServer(&stubStagingService{
		transitionErr: staging.ErrInvalidTransition,
	}, &stubGate{})

	body := strings.NewReader(`{"actor":"reviewer","reason":"bad data"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/exports/e1/reject", body)
	rec := httptest.NewRecorder()

	server.handleExportDetail(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandlePost_DestinationFailure(t *testing.T) {
	server := newTestServer(&stubStagingService{
		transitionErr: staging.ErrDestinationFailed,
	}, &stubGate{})

	body := strings.NewReader(`{"actor":"system"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/exports/e1/post", body)
	rec := httptest.NewRecorder()

	server.handleExportDetail(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestHandleFail_RecordsFailedStatus(t *testing.T) {
	server := newTestServer(&stubStagingService{
		export: staging.StagedExport{ID: "e1", Status: staging.StatusFailed},
	}, &stubGate{})

	body := strings.NewReader(`{"actor":"worker","reason":"mapping lookup crashed"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/exports/e1/fail", body)
	rec := httptest.NewRecorder()

	server.handleExportDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp exportResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(staging.StatusFailed) {
		t.Fatalf("unexpected status: %s", resp.Status)
	}
}

func TestHandleTransition_UnknownAction(t *testing.T) {
	server := newTestServer(&stubStagingService{}, &stubGate{})

	req := httptest.NewRequest(http.MethodPost, "/api/exports/e1/frobnicate", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	server.handleExportDetail(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleExports_List(t *testing.T) {
	server := newTestServer(&stubStagingService{
		exports: []staging.StagedExport{
			{ID: "e1", Status: staging.StatusPrepared},
			{ID: "e2", Status: staging.StatusPosted},
		},
	}, &stubGate{})

	req := httptest.NewRequest(http.MethodGet, "/api/exports?status=prepared", nil)
	rec := httptest.NewRecorder()

	server.handleExports(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []exportResponse `json:"items"`
		Total int              `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if payload.Total != 2 || payload.Items[0].ID != "e1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleOperationDetail_ReturnsRecord(t *testing.T) {
	server := newTestServer(&stubStagingService{}, &stubGate{
		record: idempotency.Record{
			Key:           "abc",
			OperationType: idempotency.OpExportStage,
			Status:        idempotency.StatusCompleted,
			ResultData:    map[string]any{"export_id": "e1"},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/operations/abc", nil)
	rec := httptest.NewRecorder()

	server.handleOperationDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "completed" || resp["key"] != "abc" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp["terminal"] != true {
		t.Fatalf("expected completed record to report terminal, got %v", resp["terminal"])
	}
}

func TestHandleOperationConflicts_ListsCollisions(t *testing.T) {
	server := newTestServer(&stubStagingService{}, &stubGate{
		conflicts: []idempotency.Conflict{
			{Key: "abc", Type: idempotency.ConflictConcurrentDuplicate},
			{Key: "abc", Type: idempotency.ConflictStaleRetry},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/operations/abc/conflicts", nil)
	rec := httptest.NewRecorder()

	server.handleOperationDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []idempotency.Conflict `json:"items"`
		Total int                    `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode conflict list: %v", err)
	}
	if payload.Total != 2 || payload.Items[0].Type != idempotency.ConflictConcurrentDuplicate {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleBatches_WrongMethod(t *testing.T) {
	server := newTestServer(&stubStagingService{}, &stubGate{})

	req := httptest.NewRequest(http.MethodGet, "/api/batches", nil)
	rec := httptest.NewRecorder()

	server.handleBatches(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
