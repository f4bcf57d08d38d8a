package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portal/portal/internal/domain/booking"
	"github.com/portal/portal/internal/platform/db"
)

// occupantIndex is the partial unique index allowing one approved row per
// coordinate.
const occupantIndex = "booking_one_occupant"

// =========== Resource Repository ===========

type resourceRepoPG struct{ pool *pgxpool.Pool }

func NewResourceRepoPG(pool *pgxpool.Pool) ResourceRepository { return &resourceRepoPG{pool: pool} }

func (r *resourceRepoPG) conn(ctx context.Context) db.Querier { return db.Resolve(ctx, r.pool) }

const resourceCols = `id, kind, service_type, name, active, created_at, updated_at`

func scanResource(row pgx.Row) (*Resource, error) {
	var res Resource
	err := row.Scan(&res.ID, &res.Kind, &res.ServiceType, &res.Name, &res.Active, &res.CreatedAt, &res.UpdatedAt)
	return &res, err
}

func (r *resourceRepoPG) Create(ctx context.Context, res *Resource) error {
	res.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO resource (id, kind, service_type, name, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		res.ID, res.Kind, res.ServiceType, res.Name, res.Active).Scan(&res.CreatedAt, &res.UpdatedAt)
}

func (r *resourceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Resource, error) {
	res, err := scanResource(r.conn(ctx).QueryRow(ctx, `SELECT `+resourceCols+` FROM resource WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, booking.NotFound("resource", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get resource: %w", err)
	}
	return res, nil
}

func (r *resourceRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE resource SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("update resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return booking.NotFound("resource", id.String())
	}
	return nil
}

func (r *resourceRepoPG) List(ctx context.Context, kind booking.ResourceKind, limit, offset int) ([]*Resource, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM resource WHERE ($1 = '' OR kind = $1)`, string(kind)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count resources: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+resourceCols+` FROM resource
		WHERE ($1 = '' OR kind = $1) ORDER BY name, id LIMIT $2 OFFSET $3`, string(kind), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()
	var items []*Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, res)
	}
	return items, total, rows.Err()
}

// =========== Rule Repository ===========

type ruleRepoPG struct{ pool *pgxpool.Pool }

func NewRuleRepoPG(pool *pgxpool.Pool) RuleRepository { return &ruleRepoPG{pool: pool} }

func (r *ruleRepoPG) conn(ctx context.Context) db.Querier { return db.Resolve(ctx, r.pool) }

const ruleCols = `id, resource_id, weekday, start_time, end_time, granularity_minutes, active, created_at, updated_at`

func scanRule(row pgx.Row) (*AvailabilityRule, error) {
	var rule AvailabilityRule
	err := row.Scan(&rule.ID, &rule.ResourceID, &rule.Weekday, &rule.StartTime, &rule.EndTime,
		&rule.GranularityMinutes, &rule.Active, &rule.CreatedAt, &rule.UpdatedAt)
	return &rule, err
}

func (r *ruleRepoPG) Create(ctx context.Context, rule *AvailabilityRule) error {
	rule.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO availability_rule (id, resource_id, weekday, start_time, end_time, granularity_minutes, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		rule.ID, rule.ResourceID, int16(rule.Weekday), rule.StartTime, rule.EndTime,
		rule.GranularityMinutes, rule.Active).Scan(&rule.CreatedAt, &rule.UpdatedAt)
}

func (r *ruleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*AvailabilityRule, error) {
	rule, err := scanRule(r.conn(ctx).QueryRow(ctx, `SELECT `+ruleCols+` FROM availability_rule WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, booking.NotFound("rule", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

func (r *ruleRepoPG) Update(ctx context.Context, rule *AvailabilityRule) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE availability_rule SET weekday = $2, start_time = $3, end_time = $4,
			granularity_minutes = $5, active = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		rule.ID, int16(rule.Weekday), rule.StartTime, rule.EndTime, rule.GranularityMinutes, rule.Active).Scan(&rule.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.NotFound("rule", rule.ID.String())
	}
	return err
}

func (r *ruleRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM availability_rule WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return booking.NotFound("rule", id.String())
	}
	return nil
}

func (r *ruleRepoPG) ListByResource(ctx context.Context, resourceID uuid.UUID) ([]*AvailabilityRule, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+ruleCols+` FROM availability_rule
		WHERE resource_id = $1 ORDER BY weekday, start_time, id`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	var items []*AvailabilityRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rule)
	}
	return items, rows.Err()
}

// =========== Booking Repository ===========

type bookingRepoPG struct{ pool *pgxpool.Pool }

func NewBookingRepoPG(pool *pgxpool.Pool) BookingRepository { return &bookingRepoPG{pool: pool} }

func (r *bookingRepoPG) conn(ctx context.Context) db.Querier { return db.Resolve(ctx, r.pool) }

const bookingCols = `id, resource_id, service_type, occupant_kind, requester_id, slot_date, slot_time,
	status, reason, payload, created_at, updated_at`

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var payload []byte
	err := row.Scan(&b.ID, &b.ResourceID, &b.ServiceType, &b.Occupant, &b.RequesterID, &b.SlotDate, &b.SlotTime,
		&b.Status, &b.Reason, &payload, &b.CreatedAt, &b.UpdatedAt)
	b.Payload = payload
	return &b, err
}

func collectBookings(rows pgx.Rows) ([]*Booking, error) {
	defer rows.Close()
	var items []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

// LockCoordinate takes a transaction-scoped advisory lock on the coordinate.
// A row lock cannot be used here: the coordinate usually has no row yet.
func (r *bookingRepoPG) LockCoordinate(ctx context.Context, c Coordinate) error {
	if db.TxFromContext(ctx) == nil {
		return errors.New("lock coordinate: no transaction in context")
	}
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, c.LockKey())
	if err != nil {
		return fmt.Errorf("lock coordinate %s: %w", c, err)
	}
	return nil
}

func (r *bookingRepoPG) OccupantAt(ctx context.Context, c Coordinate) (*Booking, error) {
	b, err := scanBooking(r.conn(ctx).QueryRow(ctx, `SELECT `+bookingCols+` FROM booking
		WHERE resource_id = $1 AND slot_date = $2 AND slot_time = $3 AND status = 'approved'
		FOR UPDATE`, c.ResourceID, c.Date, c.Time))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read occupant of %s: %w", c, err)
	}
	return b, nil
}

func (r *bookingRepoPG) Create(ctx context.Context, b *Booking) error {
	b.ID = uuid.New()
	payload := []byte(b.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO booking (id, resource_id, service_type, occupant_kind, requester_id,
			slot_date, slot_time, status, reason, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		b.ID, b.ResourceID, b.ServiceType, b.Occupant, b.RequesterID,
		b.SlotDate, b.SlotTime, b.Status, b.Reason, payload).Scan(&b.CreatedAt, &b.UpdatedAt)
	if db.IsUniqueViolation(err, occupantIndex) {
		return booking.Conflictf(booking.ReasonAlreadyBooked, "slot %s is already booked", b.Coordinate())
	}
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (r *bookingRepoPG) get(ctx context.Context, id uuid.UUID, suffix string) (*Booking, error) {
	b, err := scanBooking(r.conn(ctx).QueryRow(ctx, `SELECT `+bookingCols+` FROM booking WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, booking.NotFound("booking", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

func (r *bookingRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return r.get(ctx, id, "")
}

func (r *bookingRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *bookingRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status booking.Status, reason string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE booking SET status = $2, reason = $3, updated_at = NOW() WHERE id = $1`,
		id, status, reason)
	if db.IsUniqueViolation(err, occupantIndex) {
		return booking.Conflictf(booking.ReasonAlreadyBooked, "slot is already booked")
	}
	if err != nil {
		return fmt.Errorf("update booking status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return booking.NotFound("booking", id.String())
	}
	return nil
}

func (r *bookingRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM booking WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return booking.NotFound("booking", id.String())
	}
	return nil
}

func (r *bookingRepoPG) ListOccupying(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]*Booking, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bookingCols+` FROM booking
		WHERE resource_id = $1 AND status = 'approved' AND slot_date >= $2 AND slot_date < $3
		ORDER BY slot_date, slot_time`, resourceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list occupying bookings: %w", err)
	}
	return collectBookings(rows)
}

func (r *bookingRepoPG) ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*Booking, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM booking
		WHERE requester_id = $1 AND occupant_kind = 'user'`, requesterID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count bookings: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bookingCols+` FROM booking
		WHERE requester_id = $1 AND occupant_kind = 'user'
		ORDER BY slot_date DESC, slot_time DESC, id LIMIT $2 OFFSET $3`, requesterID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list bookings: %w", err)
	}
	items, err := collectBookings(rows)
	return items, total, err
}

func (r *bookingRepoPG) ListByResource(ctx context.Context, resourceID uuid.UUID, from, to time.Time, limit, offset int) ([]*Booking, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM booking
		WHERE resource_id = $1 AND slot_date >= $2 AND slot_date < $3`, resourceID, from, to).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count bookings: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bookingCols+` FROM booking
		WHERE resource_id = $1 AND slot_date >= $2 AND slot_date < $3
		ORDER BY slot_date, slot_time, created_at LIMIT $4 OFFSET $5`, resourceID, from, to, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list bookings: %w", err)
	}
	items, err := collectBookings(rows)
	return items, total, err
}
