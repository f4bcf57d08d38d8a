package scheduling

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/portal/portal/internal/domain/booking"
)

// AdmitRequest asks for one slot of a clinic doctor or meeting room.
type AdmitRequest struct {
	ResourceID uuid.UUID       `json:"resource_id"`
	Date       string          `json:"date"`
	Time       string          `json:"time"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Admit books a slot for actor. The slot must be offered by the resource's
// rules and lie in the future. Inside one transaction the coordinate is
// locked, checked for an occupant and written, so concurrent requests for
// the same slot admit exactly one booking. Attempts rejected before the
// resource is resolved are not counted in the admission metric.
func (s *Service) Admit(ctx context.Context, actor booking.Actor, req AdmitRequest) (b *Booking, err error) {
	var service booking.ServiceType
	defer func() {
		if service != "" {
			s.metrics.Admission(service, err)
		}
	}()

	if actor.ID == "" {
		return nil, booking.Forbiddenf("unauthenticated")
	}
	c, err := NewCoordinate(req.ResourceID, req.Date, req.Time)
	if err != nil {
		return nil, err
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, booking.Validationf("payload must be valid JSON")
	}
	res, err := s.slotResource(ctx, c.ResourceID)
	if err != nil {
		return nil, err
	}
	service = res.ServiceType

	if !c.StartIn(s.loc).After(s.now()) {
		return nil, booking.Validationf("slot %s is in the past", c)
	}
	if err := s.checkOffered(ctx, c); err != nil {
		return nil, err
	}

	b = &Booking{
		ResourceID:  c.ResourceID,
		ServiceType: res.ServiceType,
		Occupant:    OccupantUser,
		RequesterID: actor.ID,
		SlotDate:    c.Date,
		SlotTime:    c.Time,
		Status:      booking.StatusApproved,
		Payload:     req.Payload,
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.claim(ctx, c, uuid.Nil); err != nil {
			return err
		}
		return s.bookings.Create(ctx, b)
	})

	log := zerolog.Ctx(ctx)
	if err != nil {
		log.Info().Err(err).Str("resource_id", c.ResourceID.String()).Str("slot", c.String()).
			Str("requester", actor.ID).Msg("slot admission refused")
		return nil, err
	}
	log.Info().Str("booking_id", b.ID.String()).Str("resource_id", c.ResourceID.String()).
		Str("slot", c.String()).Msg("slot admitted")
	return b, nil
}

// checkOffered re-materializes the coordinate from the stored rules rather
// than the slot cache, which may lag a rule change.
func (s *Service) checkOffered(ctx context.Context, c Coordinate) error {
	rules, err := s.rules.ListByResource(ctx, c.ResourceID)
	if err != nil {
		return err
	}
	if !OffersSlot(rules, c) {
		return booking.Validationf("slot %s is not offered", c)
	}
	return nil
}

// claim locks c for the rest of the transaction and fails if anything other
// than the booking self already occupies it.
func (s *Service) claim(ctx context.Context, c Coordinate, self uuid.UUID) error {
	if err := s.bookings.LockCoordinate(ctx, c); err != nil {
		return err
	}
	occ, err := s.bookings.OccupantAt(ctx, c)
	if err != nil {
		return err
	}
	if occ == nil || occ.ID == self {
		return nil
	}
	return occupiedError(occ, c)
}

func occupiedError(occ *Booking, c Coordinate) error {
	if occ.IsAdminBlock() {
		return booking.Conflictf(booking.ReasonBlockedByAdmin, "slot %s is closed by admin", c)
	}
	return booking.Conflictf(booking.ReasonAlreadyBooked, "slot %s is already booked", c)
}

// -- Admin blocks --

// Block holds a free slot for the admin. Blocking a slot the admin already
// holds returns the existing block.
func (s *Service) Block(ctx context.Context, actor booking.Actor, resourceID uuid.UUID, date, clock string) (b *Booking, err error) {
	defer func() { s.metrics.Block("block", err) }()

	if !actor.Admin {
		return nil, booking.Forbiddenf("only an admin can block slots")
	}
	c, err := NewCoordinate(resourceID, date, clock)
	if err != nil {
		return nil, err
	}
	res, err := s.slotResource(ctx, c.ResourceID)
	if err != nil {
		return nil, err
	}
	if err := s.checkOffered(ctx, c); err != nil {
		return nil, err
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.bookings.LockCoordinate(ctx, c); err != nil {
			return err
		}
		occ, err := s.bookings.OccupantAt(ctx, c)
		if err != nil {
			return err
		}
		if occ != nil {
			if occ.IsAdminBlock() {
				b = occ
				return nil
			}
			return booking.Conflictf(booking.ReasonAlreadyBooked, "slot %s is already booked by a user", c)
		}
		b = &Booking{
			ResourceID:  c.ResourceID,
			ServiceType: res.ServiceType,
			Occupant:    OccupantAdminBlock,
			RequesterID: actor.ID,
			SlotDate:    c.Date,
			SlotTime:    c.Time,
			Status:      booking.StatusApproved,
		}
		return s.bookings.Create(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("resource_id", c.ResourceID.String()).Str("slot", c.String()).
		Str("admin", actor.ID).Msg("slot blocked")
	return b, nil
}

// Unblock removes an admin block. It never frees a slot held by a user.
func (s *Service) Unblock(ctx context.Context, actor booking.Actor, resourceID uuid.UUID, date, clock string) (err error) {
	defer func() { s.metrics.Block("unblock", err) }()

	if !actor.Admin {
		return booking.Forbiddenf("only an admin can unblock slots")
	}
	c, err := NewCoordinate(resourceID, date, clock)
	if err != nil {
		return err
	}
	if _, err := s.resources.GetByID(ctx, c.ResourceID); err != nil {
		return err
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.bookings.LockCoordinate(ctx, c); err != nil {
			return err
		}
		occ, err := s.bookings.OccupantAt(ctx, c)
		if err != nil {
			return err
		}
		if occ == nil {
			return booking.Conflictf(booking.ReasonNotBlocked, "slot %s is not blocked", c)
		}
		if !occ.IsAdminBlock() {
			return booking.Conflictf(booking.ReasonAlreadyBooked, "slot %s is held by a user booking", c)
		}
		return s.bookings.Delete(ctx, occ.ID)
	})
	if err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("resource_id", c.ResourceID.String()).Str("slot", c.String()).
		Str("admin", actor.ID).Msg("slot unblocked")
	return nil
}

// -- Transitions --

// Transition moves a booking forward. rawStatus is a canonical status name or
// the service's legacy label. Approving re-checks the coordinate under its
// lock, since another booking may have claimed it while this one was pending.
func (s *Service) Transition(ctx context.Context, actor booking.Actor, id uuid.UUID, rawStatus, reason string) (b *Booking, err error) {
	var to booking.Status
	defer func() { s.metrics.Transition(to, err) }()

	current, err := s.bookings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsAdminBlock() {
		return nil, booking.Validationf("admin blocks are removed with unblock, not transitioned")
	}
	to, err = booking.AdapterFor(current.ServiceType).Decode(rawStatus)
	if err != nil {
		return nil, err
	}
	if err := actor.AuthorizeTransition(to, current.RequesterID); err != nil {
		return nil, err
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if to.Occupying() {
			if err := s.claim(ctx, current.Coordinate(), current.ID); err != nil {
				return err
			}
		}
		locked, err := s.bookings.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := booking.CheckTransition(locked.Status, to); err != nil {
			return err
		}
		if err := s.bookings.UpdateStatus(ctx, id, to, reason); err != nil {
			return err
		}
		locked.Status = to
		locked.Reason = reason
		b = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("booking_id", id.String()).Str("status", string(to)).
		Str("actor", actor.ID).Msg("booking transitioned")
	return b, nil
}

// -- Queries --

// GetBooking returns a booking visible to actor: admins see all, others only
// their own.
func (s *Service) GetBooking(ctx context.Context, actor booking.Actor, id uuid.UUID) (*Booking, error) {
	b, err := s.bookings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && (actor.ID == "" || b.RequesterID != actor.ID) {
		return nil, booking.Forbiddenf("booking belongs to another requester")
	}
	return b, nil
}

// ListByRequester lists a requester's bookings, defaulting to the actor's.
func (s *Service) ListByRequester(ctx context.Context, actor booking.Actor, requester string, limit, offset int) ([]*Booking, int, error) {
	if requester == "" {
		requester = actor.ID
	}
	if requester == "" {
		return nil, 0, booking.Forbiddenf("unauthenticated")
	}
	if !actor.Admin && requester != actor.ID {
		return nil, 0, booking.Forbiddenf("cannot list bookings of another requester")
	}
	return s.bookings.ListByRequester(ctx, requester, limit, offset)
}

// ListByResource lists every row of a resource in month, blocks included.
func (s *Service) ListByResource(ctx context.Context, actor booking.Actor, resourceID uuid.UUID, m Month, limit, offset int) ([]*Booking, int, error) {
	if !actor.Admin {
		return nil, 0, booking.Forbiddenf("only an admin can list bookings of a resource")
	}
	if _, err := s.resources.GetByID(ctx, resourceID); err != nil {
		return nil, 0, err
	}
	return s.bookings.ListByResource(ctx, resourceID, m.First(), m.Next(), limit, offset)
}
