package dispatch

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

// =========== Pool Repository ===========

type poolRepoPG struct{ pool *pgxpool.Pool }

func NewPoolRepoPG(pool *pgxpool.Pool) PoolRepository { return &poolRepoPG{pool: pool} }

func (r *poolRepoPG) conn(ctx context.Context) db.Querier { return db.Resolve(ctx, r.pool) }

const poolCols = `id, kind, name, total, active, created_at, updated_at`

func scanPool(row pgx.Row) (*Pool, error) {
	var p Pool
	err := row.Scan(&p.ID, &p.Kind, &p.Name, &p.Total, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func collectPools(rows pgx.Rows) ([]*Pool, error) {
	defer rows.Close()
	var items []*Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (r *poolRepoPG) Create(ctx context.Context, p *Pool) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO resource_pool (id, kind, name, total, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		p.ID, p.Kind, p.Name, p.Total, p.Active).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *poolRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Pool, error) {
	p, err := scanPool(r.conn(ctx).QueryRow(ctx, `SELECT `+poolCols+` FROM resource_pool WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, booking.NotFound("pool", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}
	return p, nil
}

func (r *poolRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE resource_pool SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("update pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return booking.NotFound("pool", id.String())
	}
	return nil
}

func (r *poolRepoPG) List(ctx context.Context, kind booking.ResourceKind, limit, offset int) ([]*Pool, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM resource_pool WHERE ($1 = '' OR kind = $1)`, string(kind)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count pools: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+poolCols+` FROM resource_pool
		WHERE ($1 = '' OR kind = $1) ORDER BY kind, name, id LIMIT $2 OFFSET $3`, string(kind), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list pools: %w", err)
	}
	items, err := collectPools(rows)
	return items, total, err
}

func (r *poolRepoPG) ListActive(ctx context.Context) ([]*Pool, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+poolCols+` FROM resource_pool WHERE active ORDER BY kind, name, id`)
	if err != nil {
		return nil, fmt.Errorf("list active pools: %w", err)
	}
	return collectPools(rows)
}

func (r *poolRepoPG) LockPools(ctx context.Context, ids []uuid.UUID) ([]*Pool, error) {
	if db.TxFromContext(ctx) == nil {
		return nil, errors.New("lock pools: no transaction in context")
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+poolCols+` FROM resource_pool
		WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`, uuidStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("lock pools: %w", err)
	}
	return collectPools(rows)
}

func (r *poolRepoPG) Usage(ctx context.Context, ids []uuid.UUID, start, end time.Time) ([]Usage, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT a.pool_id, b.starts_at, b.ends_at, a.quantity
		FROM dispatch_allocation a
		JOIN dispatch_booking b ON b.id = a.booking_id
		WHERE a.pool_id = ANY($1::uuid[])
			AND b.status IN ('pending', 'approved')
			AND b.starts_at < $3 AND b.ends_at > $2
		ORDER BY a.pool_id, b.starts_at`, uuidStrings(ids), start, end)
	if err != nil {
		return nil, fmt.Errorf("list pool usage: %w", err)
	}
	defer rows.Close()
	var out []Usage
	for rows.Next() {
		var u Usage
		if err := rows.Scan(&u.PoolID, &u.StartsAt, &u.EndsAt, &u.Quantity); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// =========== Booking Repository ===========

type bookingRepoPG struct{ pool *pgxpool.Pool }

func NewBookingRepoPG(pool *pgxpool.Pool) BookingRepository { return &bookingRepoPG{pool: pool} }

func (r *bookingRepoPG) conn(ctx context.Context) db.Querier { return db.Resolve(ctx, r.pool) }

const bookingCols = `id, requester_id, starts_at, ends_at, status, reason, payload, created_at, updated_at`

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var payload []byte
	err := row.Scan(&b.ID, &b.RequesterID, &b.StartsAt, &b.EndsAt, &b.Status, &b.Reason, &payload,
		&b.CreatedAt, &b.UpdatedAt)
	b.Payload = payload
	return &b, err
}

func (r *bookingRepoPG) Create(ctx context.Context, b *Booking) error {
	b.ID = uuid.New()
	payload := []byte(b.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO dispatch_booking (id, requester_id, starts_at, ends_at, status, reason, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		b.ID, b.RequesterID, b.StartsAt, b.EndsAt, b.Status, b.Reason, payload).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert dispatch booking: %w", err)
	}
	for _, a := range b.Allocations {
		if _, err := r.conn(ctx).Exec(ctx,
			`INSERT INTO dispatch_allocation (booking_id, pool_id, quantity) VALUES ($1, $2, $3)`,
			b.ID, a.PoolID, a.Quantity); err != nil {
			return fmt.Errorf("insert allocation for pool %s: %w", a.PoolID, err)
		}
	}
	return nil
}

func (r *bookingRepoPG) loadAllocations(ctx context.Context, bookings ...*Booking) error {
	if len(bookings) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*Booking, len(bookings))
	ids := make([]uuid.UUID, len(bookings))
	for i, b := range bookings {
		byID[b.ID] = b
		ids[i] = b.ID
		b.Allocations = []Allocation{}
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT booking_id, pool_id, quantity FROM dispatch_allocation
		WHERE booking_id = ANY($1::uuid[]) ORDER BY booking_id, pool_id`, uuidStrings(ids))
	if err != nil {
		return fmt.Errorf("load allocations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var bookingID uuid.UUID
		var a Allocation
		if err := rows.Scan(&bookingID, &a.PoolID, &a.Quantity); err != nil {
			return err
		}
		if b := byID[bookingID]; b != nil {
			b.Allocations = append(b.Allocations, a)
		}
	}
	return rows.Err()
}

func (r *bookingRepoPG) get(ctx context.Context, id uuid.UUID, suffix string) (*Booking, error) {
	b, err := scanBooking(r.conn(ctx).QueryRow(ctx, `SELECT `+bookingCols+` FROM dispatch_booking WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, booking.NotFound("dispatch booking", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch booking: %w", err)
	}
	if err := r.loadAllocations(ctx, b); err != nil {
		return nil, err
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
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE dispatch_booking SET status = $2, reason = $3, updated_at = NOW() WHERE id = $1`,
		id, status, reason)
	if err != nil {
		return fmt.Errorf("update dispatch booking status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return booking.NotFound("dispatch booking", id.String())
	}
	return nil
}

func (r *bookingRepoPG) ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*Booking, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM dispatch_booking WHERE requester_id = $1`,
		requesterID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dispatch bookings: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bookingCols+` FROM dispatch_booking
		WHERE requester_id = $1 ORDER BY starts_at DESC, id LIMIT $2 OFFSET $3`, requesterID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list dispatch bookings: %w", err)
	}
	var items []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		items = append(items, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := r.loadAllocations(ctx, items...); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}
