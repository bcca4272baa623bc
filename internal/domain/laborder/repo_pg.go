package laborder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgRepository stores the aggregate in the lab_order table. The owned
// collections live in jsonb columns; saves append history and upload
// entries with the jsonb || operator and guard on the version column.
type pgRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const orderCols = `id, patient_id, doctor_id, laboratory_id, consultation_id,
	status, urgency, clinical_indication, tests, uploaded_reports,
	uploaded_result_sets, validation, status_history, version, created_at, updated_at`

func marshalJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal aggregate field: %w", err)
	}
	return b, nil
}

func (r *pgRepository) Create(ctx context.Context, order *LabOrder) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	order.Version = 1

	tests, err := marshalJSON(order.Tests)
	if err != nil {
		return err
	}
	reports, err := marshalJSON(order.UploadedReports)
	if err != nil {
		return err
	}
	resultSets, err := marshalJSON(order.UploadedResultSets)
	if err != nil {
		return err
	}
	history, err := marshalJSON(order.StatusHistory)
	if err != nil {
		return err
	}
	var validation []byte
	if order.Validation != nil {
		if validation, err = marshalJSON(order.Validation); err != nil {
			return err
		}
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO lab_order (id, patient_id, doctor_id, laboratory_id, consultation_id,
			status, urgency, clinical_indication, tests, uploaded_reports,
			uploaded_result_sets, validation, status_history, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at`,
		order.ID, order.PatientID, order.DoctorID, order.LaboratoryID, order.ConsultationID,
		order.Status, order.Urgency, order.ClinicalIndication, tests, reports,
		resultSets, validation, history, order.Version)
	if err := row.Scan(&order.CreatedAt, &order.UpdatedAt); err != nil {
		return fmt.Errorf("insert lab order: %w", err)
	}
	order.markPersisted()
	return nil
}

func (r *pgRepository) scanOrder(row pgx.Row) (*LabOrder, error) {
	var o LabOrder
	var tests, reports, resultSets, validation, history []byte
	err := row.Scan(&o.ID, &o.PatientID, &o.DoctorID, &o.LaboratoryID, &o.ConsultationID,
		&o.Status, &o.Urgency, &o.ClinicalIndication, &tests, &reports,
		&resultSets, &validation, &history, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tests, &o.Tests); err != nil {
		return nil, fmt.Errorf("unmarshal tests: %w", err)
	}
	if err := json.Unmarshal(reports, &o.UploadedReports); err != nil {
		return nil, fmt.Errorf("unmarshal uploaded reports: %w", err)
	}
	if err := json.Unmarshal(resultSets, &o.UploadedResultSets); err != nil {
		return nil, fmt.Errorf("unmarshal uploaded result sets: %w", err)
	}
	if err := json.Unmarshal(history, &o.StatusHistory); err != nil {
		return nil, fmt.Errorf("unmarshal status history: %w", err)
	}
	if len(validation) > 0 {
		o.Validation = &ValidationRecord{}
		if err := json.Unmarshal(validation, o.Validation); err != nil {
			return nil, fmt.Errorf("unmarshal validation record: %w", err)
		}
	}
	o.markPersisted()
	return &o, nil
}

func (r *pgRepository) Load(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	order, err := r.scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM lab_order WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("load lab order: %w", err)
	}
	return order, nil
}

func (r *pgRepository) Save(ctx context.Context, order *LabOrder, expectedVersion int) error {
	tests, err := marshalJSON(order.Tests)
	if err != nil {
		return err
	}
	pendingReports := order.pendingReports()
	if pendingReports == nil {
		pendingReports = []UploadedReport{}
	}
	newReports, err := marshalJSON(pendingReports)
	if err != nil {
		return err
	}
	pendingResultSets := order.pendingResultSets()
	if pendingResultSets == nil {
		pendingResultSets = []UploadedResultSet{}
	}
	newResultSets, err := marshalJSON(pendingResultSets)
	if err != nil {
		return err
	}
	pendingHistory := order.pendingHistory()
	if pendingHistory == nil {
		pendingHistory = []StatusHistoryEntry{}
	}
	newHistory, err := marshalJSON(pendingHistory)
	if err != nil {
		return err
	}
	var validation []byte
	if order.Validation != nil {
		if validation, err = marshalJSON(order.Validation); err != nil {
			return err
		}
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE lab_order SET
			status = $2,
			urgency = $3,
			clinical_indication = $4,
			tests = $5,
			validation = $6,
			status_history = status_history || COALESCE($7::jsonb, '[]'::jsonb),
			uploaded_reports = uploaded_reports || COALESCE($8::jsonb, '[]'::jsonb),
			uploaded_result_sets = uploaded_result_sets || COALESCE($9::jsonb, '[]'::jsonb),
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $10`,
		order.ID, order.Status, order.Urgency, order.ClinicalIndication, tests,
		validation, newHistory, newReports, newResultSets, expectedVersion)
	if err != nil {
		return fmt.Errorf("save lab order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var actual int
		err := r.pool.QueryRow(ctx, `SELECT version FROM lab_order WHERE id = $1`, order.ID).Scan(&actual)
		if errors.Is(err, pgx.ErrNoRows) {
			return &NotFoundError{ID: order.ID}
		}
		if err != nil {
			return fmt.Errorf("check lab order version: %w", err)
		}
		return &ConflictError{ID: order.ID, Expected: expectedVersion, Actual: actual}
	}
	order.Version = expectedVersion + 1
	order.markPersisted()
	return nil
}

func (r *pgRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*LabOrder, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM lab_order WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count lab orders: %w", err)
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderCols+` FROM lab_order WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list lab orders: %w", err)
	}
	defer rows.Close()

	var items []*LabOrder
	for rows.Next() {
		o, err := r.scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}
