package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/portal/portal/internal/domain/booking"
)

type ResourceRepository interface {
	Create(ctx context.Context, r *Resource) error
	GetByID(ctx context.Context, id uuid.UUID) (*Resource, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	// List filters by kind when kind is non-empty.
	List(ctx context.Context, kind booking.ResourceKind, limit, offset int) ([]*Resource, int, error)
}

type RuleRepository interface {
	Create(ctx context.Context, r *AvailabilityRule) error
	GetByID(ctx context.Context, id uuid.UUID) (*AvailabilityRule, error)
	Update(ctx context.Context, r *AvailabilityRule) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByResource(ctx context.Context, resourceID uuid.UUID) ([]*AvailabilityRule, error)
}

// BookingRepository is the slot ledger. LockCoordinate and the *ForUpdate
// reads only serialize anything when called inside a transaction.
type BookingRepository interface {
	// LockCoordinate blocks until the caller's transaction holds the
	// coordinate, whether or not a row exists for it yet.
	LockCoordinate(ctx context.Context, c Coordinate) error
	// OccupantAt returns the occupying row at c, or nil when c is free.
	OccupantAt(ctx context.Context, c Coordinate) (*Booking, error)
	Create(ctx context.Context, b *Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Booking, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status booking.Status, reason string) error
	Delete(ctx context.Context, id uuid.UUID) error
	// ListOccupying returns occupying rows of resourceID with from <= date < to.
	ListOccupying(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]*Booking, error)
	ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*Booking, int, error)
	ListByResource(ctx context.Context, resourceID uuid.UUID, from, to time.Time, limit, offset int) ([]*Booking, int, error)
}
