package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/portal/portal/internal/domain/booking"
	"github.com/portal/portal/internal/platform/db"
)

type Service struct {
	pools    PoolRepository
	bookings BookingRepository
	tx       db.TxRunner

	metrics *booking.Metrics
	now     func() time.Time
}

type Option func(*Service)

func WithMetrics(m *booking.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces time.Now when deciding whether a range has started.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(pools PoolRepository, bookings BookingRepository, tx db.TxRunner, opts ...Option) *Service {
	s := &Service{
		pools:    pools,
		bookings: bookings,
		tx:       tx,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -- Pools --

func parsePoolKind(raw string) (booking.ResourceKind, error) {
	switch k := booking.ResourceKind(raw); k {
	case booking.KindVehicleType, booking.KindDriver:
		return k, nil
	}
	return "", booking.Validationf("pool kind must be vehicle_type or driver, got %q", raw)
}

func (s *Service) CreatePool(ctx context.Context, p *Pool) error {
	kind, err := parsePoolKind(string(p.Kind))
	if err != nil {
		return err
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return booking.Validationf("name is required")
	}
	if p.Total < 0 {
		return booking.Validationf("total must not be negative")
	}
	p.Kind = kind
	p.Active = true
	return s.pools.Create(ctx, p)
}

func (s *Service) GetPool(ctx context.Context, id uuid.UUID) (*Pool, error) {
	return s.pools.GetByID(ctx, id)
}

func (s *Service) ListPools(ctx context.Context, kind string, limit, offset int) ([]*Pool, int, error) {
	var k booking.ResourceKind
	if kind != "" {
		parsed, err := parsePoolKind(kind)
		if err != nil {
			return nil, 0, err
		}
		k = parsed
	}
	return s.pools.List(ctx, k, limit, offset)
}

// DeactivatePool stops new allocations from the pool.
func (s *Service) DeactivatePool(ctx context.Context, id uuid.UUID) error {
	return s.pools.SetActive(ctx, id, false)
}

// Availability reports every active pool over [start, end).
func (s *Service) Availability(ctx context.Context, start, end time.Time) ([]PoolAvailability, error) {
	if !end.After(start) {
		return nil, booking.Validationf("end must be after start")
	}
	pools, err := s.pools.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(pools))
	for i, p := range pools {
		ids[i] = p.ID
	}
	allocated := map[uuid.UUID]int{}
	if len(ids) > 0 {
		if allocated, err = s.peakUsage(ctx, ids, start, end); err != nil {
			return nil, err
		}
	}
	out := make([]PoolAvailability, len(pools))
	for i, p := range pools {
		used := allocated[p.ID]
		out[i] = PoolAvailability{
			PoolID:    p.ID,
			Kind:      p.Kind,
			Name:      p.Name,
			Total:     p.Total,
			Allocated: used,
			Available: p.Total - used,
		}
	}
	return out, nil
}

func (s *Service) peakUsage(ctx context.Context, ids []uuid.UUID, start, end time.Time) (map[uuid.UUID]int, error) {
	usages, err := s.pools.Usage(ctx, ids, start, end)
	if err != nil {
		return nil, err
	}
	return PeakUsage(usages, start, end), nil
}

// -- Admission --

// Admit reserves every requested allocation or none. The requested pools are
// row-locked for the whole check-then-insert, so concurrent requests cannot
// both take the last unit. The booking starts pending and counts against its
// pools from then on.
func (s *Service) Admit(ctx context.Context, actor booking.Actor, req AdmitRequest) (b *Booking, err error) {
	defer func() { s.metrics.Admission(booking.ServiceVehicle, err) }()

	if actor.ID == "" {
		return nil, booking.Forbiddenf("unauthenticated")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !req.Start.After(s.now()) {
		return nil, booking.Validationf("start %s is in the past", req.Start.Format(time.RFC3339))
	}

	b = &Booking{
		RequesterID: actor.ID,
		StartsAt:    req.Start,
		EndsAt:      req.End,
		Status:      booking.StatusPending,
		Payload:     req.Payload,
		Allocations: req.Allocations,
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		ids := req.poolIDs()
		locked, err := s.pools.LockPools(ctx, ids)
		if err != nil {
			return err
		}
		byID := make(map[uuid.UUID]*Pool, len(locked))
		for _, p := range locked {
			byID[p.ID] = p
		}
		allocated, err := s.peakUsage(ctx, ids, req.Start, req.End)
		if err != nil {
			return err
		}
		for _, a := range req.Allocations {
			p := byID[a.PoolID]
			if p == nil || !p.Active {
				return booking.NotFound("pool", a.PoolID.String())
			}
			if available := p.Total - allocated[p.ID]; a.Quantity > available {
				return booking.Conflictf(booking.ReasonInsufficientPool,
					"insufficient %s: requested %d, available %d", p.Unit(), a.Quantity, available)
			}
		}
		return s.bookings.Create(ctx, b)
	})

	log := zerolog.Ctx(ctx)
	if err != nil {
		log.Info().Err(err).Str("requester", actor.ID).Msg("dispatch admission refused")
		return nil, err
	}
	log.Info().Str("booking_id", b.ID.String()).Int("allocations", len(b.Allocations)).Msg("dispatch admitted")
	return b, nil
}

// -- Transitions and queries --

// Transition moves a dispatch booking forward. Leaving pending or approved
// returns its units to the pools.
func (s *Service) Transition(ctx context.Context, actor booking.Actor, id uuid.UUID, rawStatus, reason string) (b *Booking, err error) {
	var to booking.Status
	defer func() { s.metrics.Transition(to, err) }()

	to, err = booking.AdapterFor(booking.ServiceVehicle).Decode(rawStatus)
	if err != nil {
		return nil, err
	}
	current, err := s.bookings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := actor.AuthorizeTransition(to, current.RequesterID); err != nil {
		return nil, err
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
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
		Str("actor", actor.ID).Msg("dispatch booking transitioned")
	return b, nil
}

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
