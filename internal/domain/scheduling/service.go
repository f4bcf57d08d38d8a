package scheduling

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/portal/portal/internal/domain/booking"
	"github.com/portal/portal/internal/platform/cache"
	"github.com/portal/portal/internal/platform/db"
)

type Service struct {
	resources ResourceRepository
	rules     RuleRepository
	bookings  BookingRepository
	tx        db.TxRunner

	slots         *cache.Loader[SlotSet]
	metrics       *booking.Metrics
	now           func() time.Time
	loc           *time.Location
	rejectOverlap bool
}

type Option func(*Service)

// WithSlotCache caches materialized months in store for ttl.
func WithSlotCache(store cache.Store, ttl time.Duration) Option {
	return func(s *Service) { s.slots = cache.NewLoader[SlotSet](store, ttl) }
}

func WithMetrics(m *booking.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces time.Now when deciding whether a slot is in the past.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the zone slot dates and times are read in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithRejectOverlappingRules makes rule writes fail when the rule overlaps
// another active rule of the same resource and weekday.
func WithRejectOverlappingRules(reject bool) Option {
	return func(s *Service) { s.rejectOverlap = reject }
}

func NewService(resources ResourceRepository, rules RuleRepository, bookings BookingRepository, tx db.TxRunner, opts ...Option) *Service {
	s := &Service{
		resources: resources,
		rules:     rules,
		bookings:  bookings,
		tx:        tx,
		slots:     cache.NewLoader[SlotSet](cache.NopStore{}, 0),
		now:       time.Now,
		loc:       time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -- Resources --

func (s *Service) CreateResource(ctx context.Context, r *Resource) error {
	kind, err := booking.ParseResourceKind(string(r.Kind))
	if err != nil {
		return err
	}
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return booking.Validationf("name is required")
	}
	r.Kind = kind
	r.ServiceType = booking.ServiceTypeForKind(kind)
	r.Active = true
	return s.resources.Create(ctx, r)
}

func (s *Service) GetResource(ctx context.Context, id uuid.UUID) (*Resource, error) {
	return s.resources.GetByID(ctx, id)
}

// ListResources lists resources, optionally filtered by kind.
func (s *Service) ListResources(ctx context.Context, kind string, limit, offset int) ([]*Resource, int, error) {
	var k booking.ResourceKind
	if kind != "" {
		parsed, err := booking.ParseResourceKind(kind)
		if err != nil {
			return nil, 0, err
		}
		k = parsed
	}
	return s.resources.List(ctx, k, limit, offset)
}

// DeactivateResource stops new admissions on the resource. Existing bookings
// and rules are kept.
func (s *Service) DeactivateResource(ctx context.Context, id uuid.UUID) error {
	return s.resources.SetActive(ctx, id, false)
}

// slotResource returns the resource behind a slot booking or block. Unknown
// and inactive resources are both reported as not found.
func (s *Service) slotResource(ctx context.Context, id uuid.UUID) (*Resource, error) {
	res, err := s.resources.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !res.Active {
		return nil, booking.NotFound("resource", id.String())
	}
	if res.ServiceType.Mode() != booking.ModeSlot {
		return nil, booking.Validationf("resource %s is not booked by slot", res.Name)
	}
	return res, nil
}

// -- Rules --

func (s *Service) CreateRule(ctx context.Context, r *AvailabilityRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if _, err := s.resources.GetByID(ctx, r.ResourceID); err != nil {
		return err
	}
	if err := s.checkOverlap(ctx, r); err != nil {
		return err
	}
	if err := s.rules.Create(ctx, r); err != nil {
		return err
	}
	s.invalidateSlots(ctx, r.ResourceID)
	return nil
}

func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (*AvailabilityRule, error) {
	return s.rules.GetByID(ctx, id)
}

// UpdateRule replaces the window, weekday, granularity and active flag of an
// existing rule. The owning resource cannot change.
func (s *Service) UpdateRule(ctx context.Context, r *AvailabilityRule) error {
	existing, err := s.rules.GetByID(ctx, r.ID)
	if err != nil {
		return err
	}
	r.ResourceID = existing.ResourceID
	if err := r.Validate(); err != nil {
		return err
	}
	if err := s.checkOverlap(ctx, r); err != nil {
		return err
	}
	if err := s.rules.Update(ctx, r); err != nil {
		return err
	}
	r.CreatedAt = existing.CreatedAt
	s.invalidateSlots(ctx, r.ResourceID)
	return nil
}

func (s *Service) DeleteRule(ctx context.Context, id uuid.UUID) error {
	existing, err := s.rules.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.rules.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidateSlots(ctx, existing.ResourceID)
	return nil
}

func (s *Service) ListRules(ctx context.Context, resourceID uuid.UUID) ([]*AvailabilityRule, error) {
	if _, err := s.resources.GetByID(ctx, resourceID); err != nil {
		return nil, err
	}
	return s.rules.ListByResource(ctx, resourceID)
}

func (s *Service) checkOverlap(ctx context.Context, r *AvailabilityRule) error {
	if !s.rejectOverlap || !r.Active {
		return nil
	}
	existing, err := s.rules.ListByResource(ctx, r.ResourceID)
	if err != nil {
		return err
	}
	for _, o := range existing {
		if o.ID != r.ID && r.Overlaps(o) {
			return booking.Validationf("rule overlaps rule %s (%s %s-%s)", o.ID, o.Weekday, o.StartTime, o.EndTime)
		}
	}
	return nil
}

func slotCacheGroup(ctx context.Context, resourceID uuid.UUID) string {
	return "slots:" + db.TenantFromContext(ctx) + ":" + resourceID.String()
}

func slotCacheKey(ctx context.Context, resourceID uuid.UUID, m Month) string {
	return slotCacheGroup(ctx, resourceID) + ":" + m.String()
}

// invalidateSlots drops the cached months of a resource. A failure only
// leaves stale entries until their TTL expires, so it is logged.
func (s *Service) invalidateSlots(ctx context.Context, resourceID uuid.UUID) {
	if err := s.slots.Invalidate(ctx, slotCacheGroup(ctx, resourceID)); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("resource_id", resourceID.String()).Msg("slot cache invalidation failed")
	}
}
