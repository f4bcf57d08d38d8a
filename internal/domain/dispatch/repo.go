package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/portal/portal/internal/domain/booking"
)

type PoolRepository interface {
	Create(ctx context.Context, p *Pool) error
	GetByID(ctx context.Context, id uuid.UUID) (*Pool, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	// List filters by kind when kind is non-empty.
	List(ctx context.Context, kind booking.ResourceKind, limit, offset int) ([]*Pool, int, error)
	ListActive(ctx context.Context) ([]*Pool, error)
	// LockPools row-locks the given pools, in id order, until the transaction
	// ends. Missing ids are absent from the result.
	LockPools(ctx context.Context, ids []uuid.UUID) ([]*Pool, error)
	// Usage lists the allocations of pending or approved bookings on the
	// given pools whose range overlaps [start, end).
	Usage(ctx context.Context, ids []uuid.UUID, start, end time.Time) ([]Usage, error)
}

type BookingRepository interface {
	// Create inserts the booking and its allocations.
	Create(ctx context.Context, b *Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Booking, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status booking.Status, reason string) error
	ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*Booking, int, error)
}
