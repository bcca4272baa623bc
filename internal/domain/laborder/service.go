package laborder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medlab/lims/internal/platform/authz"
	"github.com/medlab/lims/internal/platform/blobstore"
)

// Service owns every mutation of the LabOrder aggregate. Each operation
// authorizes on entry, fails fast on terminal orders, re-authorizes
// immediately before the save, and saves with an optimistic version
// check. expectedVersion 0 means "whatever is current".
type Service struct {
	repo          Repository
	guard         *authz.Guard
	artifacts     blobstore.Store
	maxReportSize int64
	logger        zerolog.Logger
}

func NewService(repo Repository, guard *authz.Guard, artifacts blobstore.Store, maxReportSize int64, logger zerolog.Logger) *Service {
	if maxReportSize <= 0 {
		maxReportSize = blobstore.DefaultMaxFileSize
	}
	return &Service{
		repo:          repo,
		guard:         guard,
		artifacts:     artifacts,
		maxReportSize: maxReportSize,
		logger:        logger,
	}
}

// TestInput describes one test requested on an order.
type TestInput struct {
	Name     string `json:"name"`
	Code     string `json:"code"`
	Category string `json:"category"`
	Urgency  string `json:"urgency"`
}

// CreateOrderInput is the payload for Create.
type CreateOrderInput struct {
	PatientID          uuid.UUID   `json:"patient_id"`
	DoctorID           uuid.UUID   `json:"doctor_id"`
	LaboratoryID       uuid.UUID   `json:"laboratory_id"`
	ConsultationID     *uuid.UUID  `json:"consultation_id,omitempty"`
	Urgency            string      `json:"urgency"`
	ClinicalIndication string      `json:"clinical_indication"`
	Tests              []TestInput `json:"tests"`
}

// ResultsPayload is a structured result upload, keyed by test id.
type ResultsPayload struct {
	Tests map[string]TestResults `json:"tests"`
}

// Create validates the input and persists a new order in status pending,
// with every test in status ordered and an opening history entry.
func (s *Service) Create(ctx context.Context, actor authz.Actor, input CreateOrderInput) (*LabOrder, error) {
	if err := s.guard.Authorize(actor, authz.ResourceLabOrders, authz.ActionCreate); err != nil {
		return nil, err
	}

	var missing []string
	if input.PatientID == uuid.Nil {
		missing = append(missing, "patient_id")
	}
	if input.DoctorID == uuid.Nil {
		missing = append(missing, "doctor_id")
	}
	if input.LaboratoryID == uuid.Nil {
		missing = append(missing, "laboratory_id")
	}
	if len(input.Tests) == 0 {
		missing = append(missing, "tests")
	}
	for i, t := range input.Tests {
		if t.Name == "" {
			missing = append(missing, fmt.Sprintf("tests[%d].name", i))
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Message: "missing required fields", Fields: missing}
	}

	urgency := input.Urgency
	if urgency == "" {
		urgency = "routine"
	}

	order := &LabOrder{
		ID:                 uuid.New(),
		PatientID:          input.PatientID,
		DoctorID:           input.DoctorID,
		LaboratoryID:       input.LaboratoryID,
		ConsultationID:     input.ConsultationID,
		Status:             OrderPending,
		Urgency:            urgency,
		ClinicalIndication: input.ClinicalIndication,
	}
	for _, t := range input.Tests {
		tu := t.Urgency
		if tu == "" {
			tu = urgency
		}
		order.Tests = append(order.Tests, Test{
			ID:       uuid.New(),
			Name:     t.Name,
			Code:     t.Code,
			Category: t.Category,
			Urgency:  tu,
			Status:   TestOrdered,
		})
	}
	order.StatusHistory = append(order.StatusHistory, StatusHistoryEntry{
		From:      "",
		To:        OrderPending,
		Actor:     actor.ID,
		Timestamp: time.Now().UTC(),
	})

	if err := s.guard.Authorize(actor, authz.ResourceLabOrders, authz.ActionCreate); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, order); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("order_id", order.ID.String()).
		Str("patient_id", order.PatientID.String()).
		Int("tests", len(order.Tests)).
		Msg("lab order created")
	return order, nil
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, actor authz.Actor, id uuid.UUID) (*LabOrder, error) {
	if err := s.guard.Authorize(actor, authz.ResourceLabOrders, authz.ActionRead); err != nil {
		return nil, err
	}
	return s.repo.Load(ctx, id)
}

// GetStatusHistory returns the order's transition history.
func (s *Service) GetStatusHistory(ctx context.Context, actor authz.Actor, id uuid.UUID) ([]StatusHistoryEntry, error) {
	order, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return order.StatusHistory, nil
}

// ListByPatient returns a page of orders for a patient, newest first.
func (s *Service) ListByPatient(ctx context.Context, actor authz.Actor, patientID uuid.UUID, limit, offset int) ([]*LabOrder, int, error) {
	if err := s.guard.Authorize(actor, authz.ResourceLabOrders, authz.ActionRead); err != nil {
		return nil, 0, err
	}
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

// loadForUpdate loads the order and resolves the caller's expected
// version. A non-zero expectation that does not match the stored version
// fails immediately with *ConflictError.
func (s *Service) loadForUpdate(ctx context.Context, id uuid.UUID, expectedVersion int) (*LabOrder, int, error) {
	order, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if expectedVersion > 0 && order.Version != expectedVersion {
		return nil, 0, &ConflictError{ID: id, Expected: expectedVersion, Actual: order.Version}
	}
	return order, order.Version, nil
}

// Transition moves the order to target following the transition table.
// Completion additionally requires the validation record. Transitions to
// cancelled or rejected cascade cancellation to every non-validated test
// and require a reason.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, actor authz.Actor, target string, reason string, expectedVersion int) (*LabOrder, error) {
	if err := s.guard.Authorize(actor, authz.ResourceLabOrders, authz.ActionUpdateStatus); err != nil {
		return nil, err
	}
	to, err := ParseOrderStatus(target)
	if err != nil {
		return nil, err
	}

	order, version, err := s.loadForUpdate(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return nil, &StateTransitionError{From: order.Status, To: to, Reason: "order is in a terminal status"}
	}
	if !CanTransition(order.Status, to) {
		return nil, &StateTransitionError{From: order.Status, To: to}
	}
	if to == OrderCompleted && order.Validation == nil {
		return nil, &StateTransitionError{From: order.Status, To: to, Reason: "results must be validated before completion"}
	}
	if (to == OrderCancelled || to == OrderRejected) && reason == "" {
		return nil, &ValidationError{Message: "a reason is required", Fields: []string{"reason"}}
	}
	if to == OrderCancelled || to == OrderRejected {
		cancelPendingTests(order)
	}
	order.recordStatus(to, actor.ID, reason)

	if err := s.guard.Authorize(actor, authz.ResourceLabOrders, authz.ActionUpdateStatus); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, order, version); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("order_id", order.ID.String()).
		Str("from", string(order.StatusHistory[len(order.StatusHistory)-1].From)).
		Str("to", string(to)).
		Msg("lab order status changed")
	return order, nil
}

// AddTest appends a new test in status ordered. Tests may only be added
// while the order is pending or sample_collected.
func (s *Service) AddTest(ctx context.Context, id uuid.UUID, actor authz.Actor, input TestInput, expectedVersion int) (*LabOrder, error) {
	if err := s.guard.Authorize(actor, authz.ResourceLabOrders, authz.ActionAddTest); err != nil {
		return nil, err
	}
	if input.Name == "" {
		return nil, &ValidationError{Message: "test name is required", Fields: []string{"name"}}
	}

	order, version, err := s.loadForUpdate(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return nil, &StateTransitionError{From: order.Status, To: order.Status, Reason: "order is in a terminal status"}
	}
	if order.Status != OrderPending && order.Status != OrderSampleCollected {
		return nil, &StateTransitionError{From: order.Status, To: order.Status, Reason: "tests may only be added while pending or sample_collected"}
	}

	urgency := input.Urgency
	if urgency == "" {
		urgency = order.Urgency
	}
	order.Tests = append(order.Tests, Test{
		ID:       uuid.New(),
		Name:     input.Name,
		Code:     input.Code,
		Category: input.Category,
		Urgency:  urgency,
		Status:   TestOrdered,
	})

	if err := s.guard.Authorize(actor, authz.ResourceLabOrders, authz.ActionAddTest); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, order, version); err != nil {
		return nil, err
	}
	return order, nil
}

// Cancel moves the order to cancelled with a mandatory reason and
// cascades cancellation to every test that is not already validated.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor authz.Actor, reason string, expectedVersion int) (*LabOrder, error) {
	if err := s.guard.Authorize(actor, authz.ResourceLabOrders, authz.ActionCancel); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, &ValidationError{Message: "cancellation reason is required", Fields: []string{"reason"}}
	}

	order, version, err := s.loadForUpdate(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return nil, &StateTransitionError{From: order.Status, To: OrderCancelled, Reason: "order is in a terminal status"}
	}

	cancelPendingTests(order)
	order.recordStatus(OrderCancelled, actor.ID, reason)

	if err := s.guard.Authorize(actor, authz.ResourceLabOrders, authz.ActionCancel); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, order, version); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("order_id", order.ID.String()).
		Str("reason", reason).
		Msg("lab order cancelled")
	return order, nil
}

// Validate records the order-level validation and promotes every test in
// results_entered to validated. It requires every test to be resulted or
// cancelled and does not change the order status; completion stays a
// separate, explicit transition.
func (s *Service) Validate(ctx context.Context, id uuid.UUID, actor authz.Actor, notes string, expectedVersion int) (*LabOrder, error) {
	if err := s.guard.Authorize(actor, authz.ResourceLabOrders, authz.ActionValidate); err != nil {
		return nil, err
	}

	order, version, err := s.loadForUpdate(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return nil, &StateTransitionError{From: order.Status, To: order.Status, Reason: "order is in a terminal status"}
	}
	if order.Validation != nil {
		return nil, &StateTransitionError{From: order.Status, To: order.Status, Reason: "order results are already validated"}
	}
	for _, t := range order.Tests {
		if !t.Status.Resulted() && t.Status != TestCancelled {
			return nil, &StateTransitionError{
				From:   order.Status,
				To:     order.Status,
				Reason: "every test must have results or be cancelled before validation",
			}
		}
	}

	order.Validation = &ValidationRecord{
		Notes:       notes,
		ValidatedBy: actor.ID,
		ValidatedAt: time.Now().UTC(),
	}
	for i := range order.Tests {
		if order.Tests[i].Status == TestResultsEntered {
			order.Tests[i].Status = TestValidated
		}
	}

	if err := s.guard.Authorize(actor, authz.ResourceLabOrders, authz.ActionValidate); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, order, version); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("order_id", order.ID.String()).
		Str("validated_by", actor.ID).
		Msg("lab order results validated")
	return order, nil
}

// IngestResults applies a structured result upload. The whole payload is
// validated before any test is touched: an empty payload or a reference
// to an unknown, validated, or cancelled test rejects the upload with no
// effect on the aggregate.
func (s *Service) IngestResults(ctx context.Context, id uuid.UUID, actor authz.Actor, payload ResultsPayload, expectedVersion int) (*LabOrder, error) {
	if err := s.guard.Authorize(actor, authz.ResourceLabOrders, authz.ActionProcessResults); err != nil {
		return nil, err
	}
	if len(payload.Tests) == 0 {
		return nil, &ValidationError{Message: "at least one test result is required", Fields: []string{"tests"}}
	}

	order, version, err := s.loadForUpdate(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return nil, &StateTransitionError{From: order.Status, To: order.Status, Reason: "order is in a terminal status"}
	}

	type target struct {
		test    *Test
		results TestResults
	}
	var targets []target
	var bad []string
	for key, results := range payload.Tests {
		testID, err := uuid.Parse(key)
		if err != nil {
			bad = append(bad, "tests."+key)
			continue
		}
		test := order.FindTest(testID)
		if test == nil || !canTestTransition(test.Status, TestResultsEntered) {
			bad = append(bad, "tests."+key)
			continue
		}
		targets = append(targets, target{test: test, results: results})
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, &ValidationError{
			Message: "results reference tests that cannot accept them",
			Fields:  bad,
		}
	}

	recorded := make(map[string]TestResults, len(targets))
	for _, t := range targets {
		r := t.results
		t.test.Results = &r
		t.test.Status = TestResultsEntered
		recorded[t.test.ID.String()] = t.results
	}
	order.UploadedResultSets = append(order.UploadedResultSets, UploadedResultSet{
		Results:    recorded,
		UploadedAt: time.Now().UTC(),
		UploadedBy: actor.ID,
	})

	// Apply the derived status only when it moves the order forward;
	// terminal states are never entered through derivation.
	derived := DeriveOrderStatus(order.Tests)
	if dr, ok := orderStatusRank[derived]; ok {
		if cr, ok := orderStatusRank[order.Status]; ok && dr > cr {
			order.recordStatus(derived, actor.ID, "")
		}
	}

	if err := s.guard.Authorize(actor, authz.ResourceLabOrders, authz.ActionProcessResults); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, order, version); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("order_id", order.ID.String()).
		Int("results", len(recorded)).
		Str("status", string(order.Status)).
		Msg("lab order results ingested")
	return order, nil
}

// IngestReportFile stores an opaque report artifact and attaches it to
// the order. The artifact is stored before the aggregate is touched; a
// storage failure leaves the order unchanged, and a failed save removes
// the stored artifact best-effort.
func (s *Service) IngestReportFile(ctx context.Context, id uuid.UUID, actor authz.Actor, fileName, contentType string, size int64, content io.Reader, expectedVersion int) (*LabOrder, error) {
	if err := s.guard.Authorize(actor, authz.ResourceLabOrders, authz.ActionProcessResults); err != nil {
		return nil, err
	}
	if err := blobstore.ValidateUpload(fileName, contentType, size, s.maxReportSize); err != nil {
		return nil, &ValidationError{Message: err.Error(), Fields: []string{"file"}}
	}

	order, version, err := s.loadForUpdate(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return nil, &StateTransitionError{From: order.Status, To: order.Status, Reason: "order is in a terminal status"}
	}

	artifact, err := s.artifacts.Put(ctx, fileName, contentType, content)
	if err != nil {
		var se *blobstore.StorageError
		if !errors.As(err, &se) {
			err = &blobstore.StorageError{Op: "put", Err: err}
		}
		return nil, err
	}

	order.UploadedReports = append(order.UploadedReports, UploadedReport{
		FileName:   artifact.FileName,
		StorageRef: artifact.Ref,
		FileSize:   artifact.Size,
		UploadedAt: artifact.StoredAt,
		UploadedBy: actor.ID,
	})

	if err := s.guard.Authorize(actor, authz.ResourceLabOrders, authz.ActionProcessResults); err != nil {
		_ = s.artifacts.Delete(ctx, artifact.Ref)
		return nil, err
	}
	if err := s.repo.Save(ctx, order, version); err != nil {
		_ = s.artifacts.Delete(ctx, artifact.Ref)
		return nil, err
	}

	s.logger.Info().
		Str("order_id", order.ID.String()).
		Str("file", artifact.FileName).
		Int64("size", artifact.Size).
		Msg("lab report stored")
	return order, nil
}

// cancelPendingTests cascades cancellation to every test that has not
// already been validated.
func cancelPendingTests(order *LabOrder) {
	for i := range order.Tests {
		if order.Tests[i].Status != TestValidated && order.Tests[i].Status != TestCancelled {
			order.Tests[i].Status = TestCancelled
		}
	}
}
