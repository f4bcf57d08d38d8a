package dispatch

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/portal/portal/internal/domain/booking"
)

// Pool is a countable stock of drivers or of vehicles of one type.
type Pool struct {
	ID        uuid.UUID            `json:"id"`
	Kind      booking.ResourceKind `json:"kind"`
	Name      string               `json:"name"`
	Total     int                  `json:"total"`
	Active    bool                 `json:"active"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Unit names what one member of the pool is, for conflict messages.
func (p *Pool) Unit() string {
	if p.Kind == booking.KindDriver {
		return "drivers"
	}
	return "vehicles of type " + p.Name
}

// PoolAvailability is the state of a pool over a time range. Allocated is the
// peak number of units held at once within the range, so Available plus
// Allocated always equals Total.
type PoolAvailability struct {
	PoolID    uuid.UUID            `json:"pool_id"`
	Kind      booking.ResourceKind `json:"kind"`
	Name      string               `json:"name"`
	Total     int                  `json:"total"`
	Allocated int                  `json:"allocated"`
	Available int                  `json:"available"`
}

// Allocation draws Quantity units from one pool.
type Allocation struct {
	PoolID   uuid.UUID `json:"pool_id"`
	Quantity int       `json:"quantity"`
}

// Booking is a dispatch request over [StartsAt, EndsAt). While pending or
// approved its allocations count against their pools.
type Booking struct {
	ID          uuid.UUID       `json:"id"`
	RequesterID string          `json:"requester_id"`
	StartsAt    time.Time       `json:"starts_at"`
	EndsAt      time.Time       `json:"ends_at"`
	Status      booking.Status  `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Allocations []Allocation    `json:"allocations"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Overlaps reports whether the booking's range intersects [start, end).
func (b *Booking) Overlaps(start, end time.Time) bool {
	return b.StartsAt.Before(end) && start.Before(b.EndsAt)
}

// MarshalJSON adds the legacy numeric status label.
func (b *Booking) MarshalJSON() ([]byte, error) {
	type plain Booking
	return json.Marshal(struct {
		*plain
		StatusLabel string `json:"status_label"`
	}{
		plain:       (*plain)(b),
		StatusLabel: booking.AdapterFor(booking.ServiceVehicle).Encode(b.Status),
	})
}

// AdmitRequest asks for units of one or more pools over a time range.
type AdmitRequest struct {
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	Allocations []Allocation    `json:"allocations"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the request before any pool is locked.
func (r *AdmitRequest) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return booking.Validationf("start and end are required")
	}
	if !r.End.After(r.Start) {
		return booking.Validationf("end must be after start")
	}
	if len(r.Allocations) == 0 {
		return booking.Validationf("at least one allocation is required")
	}
	seen := make(map[uuid.UUID]bool, len(r.Allocations))
	for _, a := range r.Allocations {
		if a.PoolID == uuid.Nil {
			return booking.Validationf("allocation pool_id is required")
		}
		if a.Quantity <= 0 {
			return booking.Validationf("quantity for pool %s must be positive", a.PoolID)
		}
		if seen[a.PoolID] {
			return booking.Validationf("pool %s requested more than once", a.PoolID)
		}
		seen[a.PoolID] = true
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return booking.Validationf("payload must be valid JSON")
	}
	return nil
}

func (r *AdmitRequest) poolIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(r.Allocations))
	for i, a := range r.Allocations {
		ids[i] = a.PoolID
	}
	return ids
}
