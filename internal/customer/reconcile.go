package customer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Store is the subset of DB the reconciler writes through
type Store interface {
	FindCustomer(ctx context.Context, tenantID, email string) (*Customer, error)
	InsertCustomer(ctx context.Context, customer *Customer) error
	UpdateCustomer(ctx context.Context, customer *Customer) error
}

// IDGenerator generates unique IDs for new customers
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type systemTimeSource struct{}

func (t *systemTimeSource) Now() time.Time {
	return time.Now()
}

// Outcome is the result for one reconciled record
type Outcome struct {
	Record
	Updated bool `json:"updated"`
}

// ReconcileResult reports per-record outcomes of one batch
type ReconcileResult struct {
	Inserted []Record      `json:"inserted"`
	Updated  []Record      `json:"updated"`
	Errors   []RecordError `json:"errors,omitempty"`
	Outcomes []Outcome     `json:"outcomes"` // successful records in input order
}

// Reconciler merges validated records into the customer store by email
type Reconciler struct {
	store       Store
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewReconciler creates a Reconciler with uuid IDs and the system clock
func NewReconciler(store Store) *Reconciler {
	return NewReconcilerWithDeps(store, &uuidGenerator{}, &systemTimeSource{})
}

// NewReconcilerWithDeps creates a Reconciler with custom dependencies for testing
func NewReconcilerWithDeps(store Store, idGen IDGenerator, timeSrc TimeSource) *Reconciler {
	return &Reconciler{
		store:       store,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Reconcile inserts or updates each record in order. A failing record is
// reported in Errors and does not stop the rest of the batch.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID, uploadID string, records []Record) *ReconcileResult {
	result := &ReconcileResult{
		Inserted: make([]Record, 0),
		Updated:  make([]Record, 0),
		Outcomes: make([]Outcome, 0, len(records)),
	}

	for _, record := range records {
		updated, err := r.reconcileOne(ctx, tenantID, uploadID, record)
		if err != nil {
			slog.Warn("Failed to reconcile customer", "tenant_id", tenantID, "email", record.Email, "error", err)
			result.Errors = append(result.Errors, RecordError{Email: record.Email, Error: err.Error()})
			continue
		}
		if updated {
			result.Updated = append(result.Updated, record)
		} else {
			result.Inserted = append(result.Inserted, record)
		}
		result.Outcomes = append(result.Outcomes, Outcome{Record: record, Updated: updated})
	}

	return result
}

func (r *Reconciler) reconcileOne(ctx context.Context, tenantID, uploadID string, record Record) (bool, error) {
	now := r.timeSource.Now()

	existing, err := r.store.FindCustomer(ctx, tenantID, record.Email)
	switch {
	case err == nil:
		existing.FullName = record.FullName
		existing.CustomerType = record.CustomerType
		existing.CountryCode = record.CountryCode
		existing.Language = record.Language
		existing.UpdatedAt = now
		if err := r.store.UpdateCustomer(ctx, existing); err != nil {
			return false, fmt.Errorf("updating customer: %w", err)
		}
		return true, nil
	case errors.Is(err, ErrNotFound):
		customer := &Customer{
			ID:           r.idGenerator.Generate(),
			TenantID:     tenantID,
			Email:        record.Email,
			FullName:     record.FullName,
			CustomerType: record.CustomerType,
			CountryCode:  record.CountryCode,
			Language:     record.Language,
			UploadID:     uploadID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := r.store.InsertCustomer(ctx, customer); err != nil {
			return false, fmt.Errorf("inserting customer: %w", err)
		}
		return false, nil
	default:
		return false, fmt.Errorf("finding customer: %w", err)
	}
}
