package laborder

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a thread-safe in-memory Repository used in tests
// and development mode. Version checking matches the Postgres behaviour.
type MemoryRepository struct {
	mu     sync.RWMutex
	orders map[uuid.UUID]*LabOrder
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[uuid.UUID]*LabOrder)}
}

func cloneOrder(o *LabOrder) *LabOrder {
	c := *o
	c.Tests = append([]Test(nil), o.Tests...)
	for i := range c.Tests {
		if c.Tests[i].Results != nil {
			r := *c.Tests[i].Results
			c.Tests[i].Results = &r
		}
	}
	c.UploadedReports = append([]UploadedReport(nil), o.UploadedReports...)
	c.UploadedResultSets = make([]UploadedResultSet, len(o.UploadedResultSets))
	for i, rs := range o.UploadedResultSets {
		results := make(map[string]TestResults, len(rs.Results))
		for k, v := range rs.Results {
			results[k] = v
		}
		c.UploadedResultSets[i] = UploadedResultSet{
			Results:    results,
			UploadedAt: rs.UploadedAt,
			UploadedBy: rs.UploadedBy,
		}
	}
	c.StatusHistory = append([]StatusHistoryEntry(nil), o.StatusHistory...)
	for i := range c.StatusHistory {
		if c.StatusHistory[i].Reason != nil {
			r := *c.StatusHistory[i].Reason
			c.StatusHistory[i].Reason = &r
		}
	}
	if o.Validation != nil {
		v := *o.Validation
		c.Validation = &v
	}
	if o.ConsultationID != nil {
		id := *o.ConsultationID
		c.ConsultationID = &id
	}
	return &c
}

func (r *MemoryRepository) Create(_ context.Context, order *LabOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	order.Version = 1
	order.markPersisted()
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *MemoryRepository) Load(_ context.Context, id uuid.UUID) (*LabOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.orders[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	order := cloneOrder(stored)
	order.markPersisted()
	return order, nil
}

func (r *MemoryRepository) Save(_ context.Context, order *LabOrder, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[order.ID]
	if !ok {
		return &NotFoundError{ID: order.ID}
	}
	if stored.Version != expectedVersion {
		return &ConflictError{ID: order.ID, Expected: expectedVersion, Actual: stored.Version}
	}
	order.Version = expectedVersion + 1
	order.UpdatedAt = time.Now().UTC()
	order.markPersisted()
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *MemoryRepository) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*LabOrder, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*LabOrder
	for _, o := range r.orders {
		if o.PatientID == patientID {
			matched = append(matched, cloneOrder(o))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if limit <= 0 {
		limit = 20
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}
