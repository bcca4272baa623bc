package laborder

import (
	"time"

	"github.com/google/uuid"
)

// LabOrder is the aggregate root for a laboratory order and its tests.
// It is mutated only through the Service; every mutation bumps Version,
// and a save against a stale version fails with *ConflictError.
type LabOrder struct {
	ID                 uuid.UUID            `json:"id"`
	PatientID          uuid.UUID            `json:"patient_id"`
	DoctorID           uuid.UUID            `json:"doctor_id"`
	LaboratoryID       uuid.UUID            `json:"laboratory_id"`
	ConsultationID     *uuid.UUID           `json:"consultation_id,omitempty"`
	Tests              []Test               `json:"tests"`
	Status             OrderStatus          `json:"status"`
	Urgency            string               `json:"urgency"`
	ClinicalIndication string               `json:"clinical_indication"`
	UploadedReports    []UploadedReport     `json:"uploaded_reports"`
	UploadedResultSets []UploadedResultSet  `json:"uploaded_result_sets"`
	Validation         *ValidationRecord    `json:"validation,omitempty"`
	StatusHistory      []StatusHistoryEntry `json:"status_history"`
	Version            int                  `json:"version"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`

	// Counts of list entries already persisted, set by the repository on
	// load. Saves append only the entries beyond these marks so that
	// history and upload lists are written additively.
	persistedHistory    int
	persistedReports    int
	persistedResultSets int
}

// Test is a sub-entity of LabOrder; it has no independent lifecycle.
type Test struct {
	ID       uuid.UUID    `json:"id"`
	Name     string       `json:"name"`
	Code     string       `json:"code"`
	Category string       `json:"category"`
	Urgency  string       `json:"urgency"`
	Status   TestStatus   `json:"status"`
	Results  *TestResults `json:"results,omitempty"`
}

// TestResults carries the structured result captured for a single test.
type TestResults struct {
	Value          string `json:"value"`
	Unit           string `json:"unit,omitempty"`
	ReferenceRange string `json:"reference_range,omitempty"`
	Interpretation string `json:"interpretation,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// UploadedReport records an opaque report artifact attached to the order.
type UploadedReport struct {
	FileName   string    `json:"file_name"`
	StorageRef string    `json:"storage_ref"`
	FileSize   int64     `json:"file_size"`
	UploadedAt time.Time `json:"uploaded_at"`
	UploadedBy string    `json:"uploaded_by"`
}

// UploadedResultSet records one structured result upload, keyed by test id.
type UploadedResultSet struct {
	Results    map[string]TestResults `json:"results"`
	UploadedAt time.Time              `json:"uploaded_at"`
	UploadedBy string                 `json:"uploaded_by"`
}

// ValidationRecord is the gate that unlocks the completed transition. It
// is not a status value.
type ValidationRecord struct {
	Notes       string    `json:"notes"`
	ValidatedBy string    `json:"validated_by"`
	ValidatedAt time.Time `json:"validated_at"`
}

// StatusHistoryEntry records one order-level status transition.
type StatusHistoryEntry struct {
	From      OrderStatus `json:"from"`
	To        OrderStatus `json:"to"`
	Actor     string      `json:"actor"`
	Timestamp time.Time   `json:"timestamp"`
	Reason    *string     `json:"reason,omitempty"`
}

// FindTest returns the test with the given id, or nil.
func (o *LabOrder) FindTest(id uuid.UUID) *Test {
	for i := range o.Tests {
		if o.Tests[i].ID == id {
			return &o.Tests[i]
		}
	}
	return nil
}

// recordStatus appends a history entry and sets the new status.
func (o *LabOrder) recordStatus(to OrderStatus, actor string, reason string) {
	entry := StatusHistoryEntry{
		From:      o.Status,
		To:        to,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
	}
	if reason != "" {
		r := reason
		entry.Reason = &r
	}
	o.StatusHistory = append(o.StatusHistory, entry)
	o.Status = to
}

// markPersisted records how much of each append-only list is already in
// storage. Repositories call it after load and after save.
func (o *LabOrder) markPersisted() {
	o.persistedHistory = len(o.StatusHistory)
	o.persistedReports = len(o.UploadedReports)
	o.persistedResultSets = len(o.UploadedResultSets)
}

// pendingHistory returns history entries not yet persisted.
func (o *LabOrder) pendingHistory() []StatusHistoryEntry {
	if o.persistedHistory > len(o.StatusHistory) {
		return nil
	}
	return o.StatusHistory[o.persistedHistory:]
}

func (o *LabOrder) pendingReports() []UploadedReport {
	if o.persistedReports > len(o.UploadedReports) {
		return nil
	}
	return o.UploadedReports[o.persistedReports:]
}

func (o *LabOrder) pendingResultSets() []UploadedResultSet {
	if o.persistedResultSets > len(o.UploadedResultSets) {
		return nil
	}
	return o.UploadedResultSets[o.persistedResultSets:]
}
