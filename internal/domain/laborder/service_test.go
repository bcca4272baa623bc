package laborder

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medlab/lims/internal/platform/authz"
	"github.com/medlab/lims/internal/platform/blobstore"
)

func newTestService(t *testing.T) (*Service, *MemoryRepository, *blobstore.MemoryStore) {
	t.Helper()
	repo := NewMemoryRepository()
	store := blobstore.NewMemoryStore(0)
	guard := authz.NewGuard(authz.DefaultMatrix())
	svc := NewService(repo, guard, store, 0, zerolog.Nop())
	return svc, repo, store
}

var (
	doctor  = authz.Actor{ID: "doc-1", Role: authz.RoleDoctor}
	labTech = authz.Actor{ID: "tech-1", Role: authz.RoleLabTechnician}
	admin   = authz.Actor{ID: "admin-1", Role: authz.RoleAdmin}
	nurse   = authz.Actor{ID: "nurse-1", Role: authz.RoleNurse}
)

func createOrder(t *testing.T, svc *Service, tests ...string) *LabOrder {
	t.Helper()
	if len(tests) == 0 {
		tests = []string{"CBC"}
	}
	input := CreateOrderInput{
		PatientID:    uuid.New(),
		DoctorID:     uuid.New(),
		LaboratoryID: uuid.New(),
	}
	for _, name := range tests {
		input.Tests = append(input.Tests, TestInput{Name: name})
	}
	order, err := svc.Create(context.Background(), doctor, input)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return order
}

func TestCreateOrder(t *testing.T) {
	svc, _, _ := newTestService(t)
	order := createOrder(t, svc, "CBC", "Lipid Panel")

	if order.Status != OrderPending {
		t.Errorf("new order status = %s, want pending", order.Status)
	}
	if order.Version != 1 {
		t.Errorf("new order version = %d, want 1", order.Version)
	}
	if len(order.Tests) != 2 {
		t.Fatalf("expected 2 tests, got %d", len(order.Tests))
	}
	for _, test := range order.Tests {
		if test.Status != TestOrdered {
			t.Errorf("test %s status = %s, want ordered", test.Name, test.Status)
		}
	}
	if len(order.StatusHistory) != 1 || order.StatusHistory[0].To != OrderPending {
		t.Errorf("expected opening history entry to pending, got %+v", order.StatusHistory)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), doctor, CreateOrderInput{})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	for _, want := range []string{"patient_id", "doctor_id", "laboratory_id", "tests"} {
		found := false
		for _, f := range ve.Fields {
			if f == want {
				found = true
			}
		}
		if !found {
			t.Errorf("expected field %q in %v", want, ve.Fields)
		}
	}
}

func TestCreateOrderUnauthorized(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), labTech, CreateOrderInput{
		PatientID: uuid.New(), DoctorID: uuid.New(), LaboratoryID: uuid.New(),
		Tests: []TestInput{{Name: "CBC"}},
	})
	var ae *authz.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AuthorizationError, got %v", err)
	}

	_, err = svc.Create(context.Background(), authz.Actor{}, CreateOrderInput{})
	var authn *authz.AuthenticationError
	if !errors.As(err, &authn) {
		t.Fatalf("expected *AuthenticationError, got %v", err)
	}
}

func TestTransitionHappyPath(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)

	order, err := svc.Transition(ctx, order.ID, nurse, "sample_collected", "", 0)
	if err != nil {
		t.Fatalf("to sample_collected: %v", err)
	}
	if order.Status != OrderSampleCollected || order.Version != 2 {
		t.Fatalf("got status %s version %d", order.Status, order.Version)
	}

	order, err = svc.Transition(ctx, order.ID, labTech, "in_progress", "", order.Version)
	if err != nil {
		t.Fatalf("to in_progress: %v", err)
	}
	if order.Status != OrderInProgress || order.Version != 3 {
		t.Fatalf("got status %s version %d", order.Status, order.Version)
	}
	if len(order.StatusHistory) != 3 {
		t.Errorf("expected 3 history entries, got %d", len(order.StatusHistory))
	}
}

func TestTransitionIllegalLeavesOrderUnchanged(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)

	_, err := svc.Transition(ctx, order.ID, doctor, "completed", "", 0)
	var ste *StateTransitionError
	if !errors.As(err, &ste) {
		t.Fatalf("expected *StateTransitionError, got %v", err)
	}

	stored, err := repo.Load(ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != OrderPending || stored.Version != 1 {
		t.Errorf("aggregate changed after rejected transition: status %s version %d", stored.Status, stored.Version)
	}
	if len(stored.StatusHistory) != 1 {
		t.Errorf("history grew after rejected transition: %d entries", len(stored.StatusHistory))
	}
}

func TestTransitionUnknownStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	order := createOrder(t, svc)

	_, err := svc.Transition(context.Background(), order.ID, doctor, "finished", "", 0)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}

func TestTransitionTerminalFailsFast(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)

	if _, err := svc.Cancel(ctx, order.ID, doctor, "duplicate order", 0); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	_, err := svc.Transition(ctx, order.ID, doctor, "sample_collected", "", 0)
	var ste *StateTransitionError
	if !errors.As(err, &ste) {
		t.Fatalf("expected *StateTransitionError, got %v", err)
	}
	if !strings.Contains(ste.Reason, "terminal") {
		t.Errorf("expected terminal reason, got %q", ste.Reason)
	}
}

func TestCompletedRequiresValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)

	mustTransition(t, svc, order.ID, "sample_collected")
	mustTransition(t, svc, order.ID, "in_progress")

	_, err := svc.Transition(ctx, order.ID, doctor, "completed", "", 0)
	var ste *StateTransitionError
	if !errors.As(err, &ste) {
		t.Fatalf("expected *StateTransitionError, got %v", err)
	}
}

func mustTransition(t *testing.T, svc *Service, id uuid.UUID, target string) *LabOrder {
	t.Helper()
	order, err := svc.Transition(context.Background(), id, admin, target, "", 0)
	if err != nil {
		t.Fatalf("Transition to %s: %v", target, err)
	}
	return order
}

func mustIngest(t *testing.T, svc *Service, order *LabOrder, actor authz.Actor) *LabOrder {
	t.Helper()
	payload := ResultsPayload{Tests: map[string]TestResults{}}
	for _, test := range order.Tests {
		if !test.Status.IsTerminal() {
			payload.Tests[test.ID.String()] = TestResults{Value: "12.3", Unit: "g/dL"}
		}
	}
	out, err := svc.IngestResults(context.Background(), order.ID, actor, payload, 0)
	if err != nil {
		t.Fatalf("IngestResults: %v", err)
	}
	return out
}

// Full pipeline: order placed, sample collected, results entered,
// validated, completed.
func TestOrderLifecycleToCompletion(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc, "CBC", "TSH")

	mustTransition(t, svc, order.ID, "sample_collected")
	order = mustTransition(t, svc, order.ID, "in_progress")

	order = mustIngest(t, svc, order, labTech)
	if order.Status != OrderPartialResults {
		t.Fatalf("after full results, status = %s, want partial_results", order.Status)
	}
	for _, test := range order.Tests {
		if test.Status != TestResultsEntered {
			t.Errorf("test %s status = %s, want results_entered", test.Name, test.Status)
		}
		if test.Results == nil {
			t.Errorf("test %s has no results", test.Name)
		}
	}
	if len(order.UploadedResultSets) != 1 {
		t.Errorf("expected 1 uploaded result set, got %d", len(order.UploadedResultSets))
	}

	order, err := svc.Validate(ctx, order.ID, doctor, "all values within range", 0)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if order.Validation == nil || order.Validation.ValidatedBy != doctor.ID {
		t.Fatalf("expected validation record by %s, got %+v", doctor.ID, order.Validation)
	}
	for _, test := range order.Tests {
		if test.Status != TestValidated {
			t.Errorf("test %s status = %s, want validated", test.Name, test.Status)
		}
	}

	order, err = svc.Transition(ctx, order.ID, doctor, "completed", "", 0)
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if order.Status != OrderCompleted {
		t.Fatalf("status = %s, want completed", order.Status)
	}
}

func TestValidateRequiresAllTestsResolved(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc, "CBC", "TSH")

	mustTransition(t, svc, order.ID, "sample_collected")
	order = mustTransition(t, svc, order.ID, "in_progress")

	// Result only the first test.
	payload := ResultsPayload{Tests: map[string]TestResults{
		order.Tests[0].ID.String(): {Value: "4.5"},
	}}
	if _, err := svc.IngestResults(ctx, order.ID, labTech, payload, 0); err != nil {
		t.Fatalf("IngestResults: %v", err)
	}

	_, err := svc.Validate(ctx, order.ID, doctor, "", 0)
	var ste *StateTransitionError
	if !errors.As(err, &ste) {
		t.Fatalf("expected *StateTransitionError, got %v", err)
	}
}

func TestValidateTwiceRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)

	mustTransition(t, svc, order.ID, "sample_collected")
	order = mustTransition(t, svc, order.ID, "in_progress")
	mustIngest(t, svc, order, labTech)

	if _, err := svc.Validate(ctx, order.ID, doctor, "", 0); err != nil {
		t.Fatalf("first Validate: %v", err)
	}
	_, err := svc.Validate(ctx, order.ID, doctor, "", 0)
	var ste *StateTransitionError
	if !errors.As(err, &ste) {
		t.Fatalf("expected *StateTransitionError on second validation, got %v", err)
	}
}

func TestCancelCascadesAndRequiresReason(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc, "CBC", "TSH")

	_, err := svc.Cancel(ctx, order.ID, doctor, "", 0)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError for empty reason, got %v", err)
	}

	order, err = svc.Cancel(ctx, order.ID, doctor, "patient declined", 0)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if order.Status != OrderCancelled {
		t.Fatalf("status = %s, want cancelled", order.Status)
	}
	for _, test := range order.Tests {
		if test.Status != TestCancelled {
			t.Errorf("test %s status = %s, want cancelled", test.Name, test.Status)
		}
	}
	last := order.StatusHistory[len(order.StatusHistory)-1]
	if last.Reason == nil || *last.Reason != "patient declined" {
		t.Errorf("expected reason on history entry, got %+v", last)
	}
}

func TestCancelPreservesValidatedTests(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc, "CBC", "TSH")

	mustTransition(t, svc, order.ID, "sample_collected")
	order = mustTransition(t, svc, order.ID, "in_progress")
	order = mustIngest(t, svc, order, labTech)
	order, err := svc.Validate(ctx, order.ID, doctor, "", 0)
	if err != nil {
		t.Fatal(err)
	}

	order, err = svc.Cancel(ctx, order.ID, doctor, "lab closure", 0)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	for _, test := range order.Tests {
		if test.Status != TestValidated {
			t.Errorf("validated test %s flipped to %s on cancel", test.Name, test.Status)
		}
	}
}

func TestCancelTerminalRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)

	if _, err := svc.Cancel(ctx, order.ID, doctor, "first", 0); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Cancel(ctx, order.ID, doctor, "second", 0)
	var ste *StateTransitionError
	if !errors.As(err, &ste) {
		t.Fatalf("expected *StateTransitionError, got %v", err)
	}
}

func TestAddTest(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)

	order, err := svc.AddTest(ctx, order.ID, doctor, TestInput{Name: "HbA1c"}, 0)
	if err != nil {
		t.Fatalf("AddTest: %v", err)
	}
	if len(order.Tests) != 2 {
		t.Fatalf("expected 2 tests, got %d", len(order.Tests))
	}
	if order.Tests[1].Status != TestOrdered {
		t.Errorf("new test status = %s, want ordered", order.Tests[1].Status)
	}

	mustTransition(t, svc, order.ID, "sample_collected")
	if _, err := svc.AddTest(ctx, order.ID, doctor, TestInput{Name: "Ferritin"}, 0); err != nil {
		t.Fatalf("AddTest while sample_collected: %v", err)
	}

	mustTransition(t, svc, order.ID, "in_progress")
	_, err = svc.AddTest(ctx, order.ID, doctor, TestInput{Name: "Iron"}, 0)
	var ste *StateTransitionError
	if !errors.As(err, &ste) {
		t.Fatalf("expected *StateTransitionError while in_progress, got %v", err)
	}
}

func TestIngestResultsRejectsEmptyPayload(t *testing.T) {
	svc, _, _ := newTestService(t)
	order := createOrder(t, svc)

	_, err := svc.IngestResults(context.Background(), order.ID, labTech, ResultsPayload{}, 0)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}

func TestIngestResultsAtomicOnBadReference(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc, "CBC", "TSH")

	// One valid target plus one unknown id: nothing may change.
	payload := ResultsPayload{Tests: map[string]TestResults{
		order.Tests[0].ID.String(): {Value: "10"},
		uuid.New().String():        {Value: "20"},
	}}
	_, err := svc.IngestResults(ctx, order.ID, labTech, payload, 0)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}

	stored, err := repo.Load(ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Version != 1 {
		t.Errorf("version changed to %d after rejected upload", stored.Version)
	}
	for _, test := range stored.Tests {
		if test.Results != nil || test.Status != TestOrdered {
			t.Errorf("test %s mutated after rejected upload", test.Name)
		}
	}
	if len(stored.UploadedResultSets) != 0 {
		t.Errorf("result set recorded after rejected upload")
	}
}

func TestIngestResultsRejectsTerminalTests(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc, "CBC", "TSH")

	order = mustIngest(t, svc, order, labTech)
	order, err := svc.Validate(ctx, order.ID, doctor, "", 0)
	if err != nil {
		t.Fatal(err)
	}

	payload := ResultsPayload{Tests: map[string]TestResults{
		order.Tests[0].ID.String(): {Value: "99"},
	}}
	_, err = svc.IngestResults(ctx, order.ID, labTech, payload, 0)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError for validated test, got %v", err)
	}
}

func TestIngestResultsAllowsCorrection(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)

	order = mustIngest(t, svc, order, labTech)

	payload := ResultsPayload{Tests: map[string]TestResults{
		order.Tests[0].ID.String(): {Value: "13.1", Unit: "g/dL"},
	}}
	order, err := svc.IngestResults(ctx, order.ID, labTech, payload, 0)
	if err != nil {
		t.Fatalf("corrected upload: %v", err)
	}
	if order.Tests[0].Results.Value != "13.1" {
		t.Errorf("corrected value not applied: %+v", order.Tests[0].Results)
	}
	if order.Tests[0].Status != TestResultsEntered {
		t.Errorf("corrected test status = %s, want results_entered", order.Tests[0].Status)
	}
	if len(order.UploadedResultSets) != 2 {
		t.Errorf("expected 2 uploaded result sets, got %d", len(order.UploadedResultSets))
	}
}

func TestIngestResultsDerivesForwardOnly(t *testing.T) {
	svc, _, _ := newTestService(t)
	order := createOrder(t, svc, "CBC")

	// Ingesting from pending jumps the order forward to partial_results.
	order = mustIngest(t, svc, order, labTech)
	if order.Status != OrderPartialResults {
		t.Fatalf("status = %s, want partial_results", order.Status)
	}
}

func TestIngestReportFile(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)

	order, err := svc.IngestReportFile(ctx, order.ID, labTech,
		"report.pdf", "application/pdf", 11, strings.NewReader("hello world"), 0)
	if err != nil {
		t.Fatalf("IngestReportFile: %v", err)
	}
	if len(order.UploadedReports) != 1 {
		t.Fatalf("expected 1 uploaded report, got %d", len(order.UploadedReports))
	}
	report := order.UploadedReports[0]
	if report.FileName != "report.pdf" || report.StorageRef == "" {
		t.Errorf("bad report entry: %+v", report)
	}
	if order.Status != OrderPending {
		t.Errorf("report upload changed status to %s", order.Status)
	}

	rc, meta, err := store.Get(ctx, report.StorageRef)
	if err != nil {
		t.Fatalf("stored artifact missing: %v", err)
	}
	rc.Close()
	if meta.Size != 11 {
		t.Errorf("artifact size = %d, want 11", meta.Size)
	}
}

func TestIngestReportFileRejectsBadUploads(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)

	cases := []struct {
		name        string
		fileName    string
		contentType string
		size        int64
	}{
		{"missing name", "", "application/pdf", 10},
		{"bad content type", "report.exe", "application/octet-stream", 10},
		{"too large", "report.pdf", "application/pdf", blobstore.DefaultMaxFileSize + 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.IngestReportFile(ctx, order.ID, labTech,
				tc.fileName, tc.contentType, tc.size, strings.NewReader("x"), 0)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
		})
	}
}

func TestIngestReportFileStorageFailureLeavesOrderUntouched(t *testing.T) {
	svc, repo, store := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)

	store.FailPuts = true
	_, err := svc.IngestReportFile(ctx, order.ID, labTech,
		"report.pdf", "application/pdf", 5, strings.NewReader("hello"), 0)
	var se *blobstore.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StorageError, got %v", err)
	}

	stored, err := repo.Load(ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.UploadedReports) != 0 || stored.Version != 1 {
		t.Errorf("aggregate mutated after storage failure: %+v", stored)
	}
}

func TestOptimisticConcurrency(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)

	// Stale expectation fails before any work happens.
	_, err := svc.Transition(ctx, order.ID, doctor, "sample_collected", "", 99)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConflictError, got %v", err)
	}
	if ce.Actual != 1 {
		t.Errorf("conflict actual = %d, want 1", ce.Actual)
	}

	// Two writers read version 1; the second commit loses.
	if _, err := svc.Transition(ctx, order.ID, doctor, "sample_collected", "", 1); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	_, err = svc.AddTest(ctx, order.ID, doctor, TestInput{Name: "TSH"}, 1)
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConflictError for second writer, got %v", err)
	}
}

func TestReauthorizationGuardsCommit(t *testing.T) {
	svc, _, _ := newTestService(t)
	order := createOrder(t, svc)

	// A reception actor passes neither entry nor commit checks for
	// status updates; the order must stay untouched.
	reception := authz.Actor{ID: "rec-1", Role: authz.RoleReception}
	_, err := svc.Transition(context.Background(), order.ID, reception, "sample_collected", "", 0)
	var ae *authz.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AuthorizationError, got %v", err)
	}
}

func TestGetAndHistory(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)
	mustTransition(t, svc, order.ID, "sample_collected")

	got, err := svc.Get(ctx, admin, order.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != OrderSampleCollected {
		t.Errorf("Get status = %s", got.Status)
	}

	history, err := svc.GetStatusHistory(ctx, admin, order.ID)
	if err != nil {
		t.Fatalf("GetStatusHistory: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(history))
	}

	_, err = svc.Get(ctx, admin, uuid.New())
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected *NotFoundError, got %v", err)
	}
}

func TestListByPatient(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	patientID := uuid.New()
	for i := 0; i < 3; i++ {
		input := CreateOrderInput{
			PatientID: patientID, DoctorID: uuid.New(), LaboratoryID: uuid.New(),
			Tests: []TestInput{{Name: "CBC"}},
		}
		if _, err := svc.Create(ctx, doctor, input); err != nil {
			t.Fatal(err)
		}
	}
	createOrder(t, svc) // different patient

	orders, total, err := svc.ListByPatient(ctx, admin, patientID, 2, 0)
	if err != nil {
		t.Fatalf("ListByPatient: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(orders) != 2 {
		t.Errorf("page size = %d, want 2", len(orders))
	}
}
