package laborder

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists LabOrder aggregates. Save is a compare-and-swap on
// the aggregate version: it fails with *ConflictError when the stored
// version differs from expectedVersion, and appends history and upload
// entries additively rather than replacing the lists.
type Repository interface {
	Create(ctx context.Context, order *LabOrder) error
	Load(ctx context.Context, id uuid.UUID) (*LabOrder, error)
	Save(ctx context.Context, order *LabOrder, expectedVersion int) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*LabOrder, int, error)
}
