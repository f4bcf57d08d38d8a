package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/portal/portal/internal/domain/booking"
)

// -- In-memory store --

type txKey struct{}

type allocationRow struct {
	bookingID uuid.UUID
	Allocation
}

// memStore serializes transactions on txMu, standing in for the pool row
// locks, and restores its rows when a transaction fails.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	pools       map[uuid.UUID]*Pool
	bookings    map[uuid.UUID]*Booking
	allocations []allocationRow

	// failAllocation makes inserting an allocation for this pool fail.
	failAllocation uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{
		pools:    make(map[uuid.UUID]*Pool),
		bookings: make(map[uuid.UUID]*Booking),
	}
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	bookings := make(map[uuid.UUID]Booking, len(m.bookings))
	for id, b := range m.bookings {
		bookings[id] = *b
	}
	allocations := append([]allocationRow(nil), m.allocations...)
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		m.mu.Lock()
		m.bookings = make(map[uuid.UUID]*Booking, len(bookings))
		for id, b := range bookings {
			b := b
			m.bookings[id] = &b
		}
		m.allocations = allocations
		m.mu.Unlock()
		return err
	}
	return nil
}

type memPools struct{ *memStore }

func (r memPools) Create(_ context.Context, p *Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ID = uuid.New()
	cp := *p
	r.pools[p.ID] = &cp
	return nil
}

func (r memPools) GetByID(_ context.Context, id uuid.UUID) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[id]
	if !ok {
		return nil, booking.NotFound("pool", id.String())
	}
	cp := *p
	return &cp, nil
}

func (r memPools) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[id]
	if !ok {
		return booking.NotFound("pool", id.String())
	}
	p.Active = active
	return nil
}

func (r memPools) sorted(keep func(*Pool) bool) []*Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Pool
	for _, p := range r.pools {
		if keep(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r memPools) List(_ context.Context, kind booking.ResourceKind, limit, offset int) ([]*Pool, int, error) {
	out := r.sorted(func(p *Pool) bool { return kind == "" || p.Kind == kind })
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (r memPools) ListActive(context.Context) ([]*Pool, error) {
	return r.sorted(func(p *Pool) bool { return p.Active }), nil
}

func (r memPools) LockPools(ctx context.Context, ids []uuid.UUID) ([]*Pool, error) {
	if ctx.Value(txKey{}) == nil {
		return nil, errors.New("lock pools: no transaction in context")
	}
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return r.sorted(func(p *Pool) bool { return want[p.ID] }), nil
}

func (r memPools) Usage(_ context.Context, ids []uuid.UUID, start, end time.Time) ([]Usage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []Usage
	for _, a := range r.allocations {
		b := r.bookings[a.bookingID]
		if want[a.PoolID] && b != nil && b.Status.Active() && b.Overlaps(start, end) {
			out = append(out, Usage{PoolID: a.PoolID, StartsAt: b.StartsAt, EndsAt: b.EndsAt, Quantity: a.Quantity})
		}
	}
	return out, nil
}

type memBookings struct{ *memStore }

func (r memBookings) Create(_ context.Context, b *Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b.ID = uuid.New()
	b.CreatedAt, b.UpdatedAt = time.Now(), time.Now()
	cp := *b
	cp.Allocations = nil
	r.bookings[b.ID] = &cp
	for _, a := range b.Allocations {
		if a.PoolID == r.failAllocation {
			return errors.New("insert allocation: connection reset")
		}
		r.allocations = append(r.allocations, allocationRow{bookingID: b.ID, Allocation: a})
	}
	return nil
}

func (r memBookings) GetByID(_ context.Context, id uuid.UUID) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[id]
	if !ok {
		return nil, booking.NotFound("dispatch booking", id.String())
	}
	cp := *b
	cp.Allocations = []Allocation{}
	for _, a := range r.allocations {
		if a.bookingID == id {
			cp.Allocations = append(cp.Allocations, a.Allocation)
		}
	}
	return &cp, nil
}

func (r memBookings) GetForUpdate(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return r.GetByID(ctx, id)
}

func (r memBookings) UpdateStatus(_ context.Context, id uuid.UUID, status booking.Status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[id]
	if !ok {
		return booking.NotFound("dispatch booking", id.String())
	}
	b.Status = status
	b.Reason = reason
	return nil
}

func (r memBookings) ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*Booking, int, error) {
	r.mu.Lock()
	var ids []uuid.UUID
	for id, b := range r.bookings {
		if b.RequesterID == requesterID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	var out []*Booking
	for _, id := range ids {
		b, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

// -- Fixtures --

var (
	admin = booking.Actor{ID: "admin-1", Admin: true}
	alice = booking.Actor{ID: "alice"}
	bob   = booking.Actor{ID: "bob"}
)

var fixedNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	store   *memStore
	vans    *Pool
	drivers *Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	svc := NewService(memPools{store}, memBookings{store}, store, WithClock(func() time.Time { return fixedNow }))

	ctx := context.Background()
	vans := &Pool{Kind: booking.KindVehicleType, Name: "Van", Total: 3}
	require.NoError(t, svc.CreatePool(ctx, vans))
	drivers := &Pool{Kind: booking.KindDriver, Name: "Drivers", Total: 2}
	require.NoError(t, svc.CreatePool(ctx, drivers))
	return &fixture{svc: svc, store: store, vans: vans, drivers: drivers}
}

func day(d, h int) time.Time { return time.Date(2024, 6, d, h, 0, 0, 0, time.UTC) }

func (f *fixture) request(start, end time.Time, vans, drivers int) AdmitRequest {
	req := AdmitRequest{Start: start, End: end}
	if vans > 0 {
		req.Allocations = append(req.Allocations, Allocation{PoolID: f.vans.ID, Quantity: vans})
	}
	if drivers > 0 {
		req.Allocations = append(req.Allocations, Allocation{PoolID: f.drivers.ID, Quantity: drivers})
	}
	return req
}

func (f *fixture) availability(t *testing.T, start, end time.Time) map[uuid.UUID]PoolAvailability {
	t.Helper()
	items, err := f.svc.Availability(context.Background(), start, end)
	require.NoError(t, err)
	out := make(map[uuid.UUID]PoolAvailability, len(items))
	for _, it := range items {
		out[it.PoolID] = it
	}
	return out
}

func conflictReason(t *testing.T, err error) booking.ConflictReason {
	t.Helper()
	var ce *booking.ConflictError
	require.ErrorAs(t, err, &ce)
	return ce.Reason
}

// -- Tests --

func TestCreatePool_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.CreatePool(ctx, &Pool{Kind: booking.KindRoom, Name: "Hall", Total: 1}), booking.ErrValidation)
	assert.ErrorIs(t, f.svc.CreatePool(ctx, &Pool{Kind: booking.KindDriver, Name: "", Total: 1}), booking.ErrValidation)
	assert.ErrorIs(t, f.svc.CreatePool(ctx, &Pool{Kind: booking.KindDriver, Name: "Night", Total: -1}), booking.ErrValidation)

	items, total, err := f.svc.ListPools(ctx, "driver", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "Drivers", items[0].Name)
}

func TestAdmit_DrawsFromPools(t *testing.T) {
	f := newFixture(t)

	b, err := f.svc.Admit(context.Background(), alice, f.request(day(3, 8), day(3, 12), 2, 1))
	require.NoError(t, err)
	assert.Equal(t, booking.StatusPending, b.Status)
	assert.Len(t, b.Allocations, 2)

	avail := f.availability(t, day(3, 10), day(3, 11))
	assert.Equal(t, 1, avail[f.vans.ID].Available)
	assert.Equal(t, 1, avail[f.drivers.ID].Available)

	// A range that does not overlap sees the full pools.
	avail = f.availability(t, day(3, 12), day(3, 18))
	assert.Equal(t, 3, avail[f.vans.ID].Available)
}

func TestAdmit_InsufficientPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Admit(ctx, alice, f.request(day(3, 8), day(3, 12), 3, 0))
	require.NoError(t, err)

	_, err = f.svc.Admit(ctx, bob, f.request(day(3, 11), day(3, 14), 1, 0))
	require.ErrorIs(t, err, booking.ErrConflict)
	assert.Equal(t, booking.ReasonInsufficientPool, conflictReason(t, err))
	assert.Contains(t, err.Error(), "vehicles of type Van")

	_, err = f.svc.Admit(ctx, bob, f.request(day(3, 11), day(3, 14), 0, 3))
	require.ErrorIs(t, err, booking.ErrConflict)
	assert.Contains(t, err.Error(), "insufficient drivers")
}

func TestAdmit_PartialFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.store.failAllocation = f.drivers.ID

	_, err := f.svc.Admit(context.Background(), alice, f.request(day(3, 8), day(3, 12), 2, 1))
	require.Error(t, err)

	assert.Empty(t, f.store.bookings)
	assert.Empty(t, f.store.allocations)
	avail := f.availability(t, day(3, 8), day(3, 12))
	assert.Equal(t, 3, avail[f.vans.ID].Available)
}

func TestAdmit_ConflictDoesNotPartiallyAllocate(t *testing.T) {
	f := newFixture(t)

	// Vans are available but drivers are not: nothing is taken.
	_, err := f.svc.Admit(context.Background(), alice, f.request(day(3, 8), day(3, 12), 1, 5))
	require.ErrorIs(t, err, booking.ErrConflict)

	avail := f.availability(t, day(3, 8), day(3, 12))
	assert.Equal(t, 3, avail[f.vans.ID].Available)
	assert.Equal(t, 2, avail[f.drivers.ID].Available)
}

func TestAdmit_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dup := f.request(day(3, 8), day(3, 12), 1, 0)
	dup.Allocations = append(dup.Allocations, Allocation{PoolID: f.vans.ID, Quantity: 1})

	tests := []struct {
		name     string
		req      AdmitRequest
		sentinel error
	}{
		{"end before start", f.request(day(3, 12), day(3, 8), 1, 0), booking.ErrValidation},
		{"empty range", f.request(day(3, 8), day(3, 8), 1, 0), booking.ErrValidation},
		{"no allocations", AdmitRequest{Start: day(3, 8), End: day(3, 12)}, booking.ErrValidation},
		{"zero quantity", AdmitRequest{Start: day(3, 8), End: day(3, 12), Allocations: []Allocation{{PoolID: f.vans.ID}}}, booking.ErrValidation},
		{"duplicate pool", dup, booking.ErrValidation},
		{"in the past", f.request(time.Date(2024, 5, 31, 8, 0, 0, 0, time.UTC), day(3, 8), 1, 0), booking.ErrValidation},
		{"unknown pool", AdmitRequest{Start: day(3, 8), End: day(3, 12), Allocations: []Allocation{{PoolID: uuid.New(), Quantity: 1}}}, booking.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Admit(ctx, alice, tt.req)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}

	require.NoError(t, f.svc.DeactivatePool(ctx, f.drivers.ID))
	_, err := f.svc.Admit(ctx, alice, f.request(day(3, 8), day(3, 12), 0, 1))
	assert.ErrorIs(t, err, booking.ErrNotFound)

	_, err = f.svc.Admit(ctx, booking.Actor{}, f.request(day(3, 8), day(3, 12), 1, 0))
	assert.ErrorIs(t, err, booking.ErrForbidden)
}

func TestAdmit_ConcurrentRequestsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	const n = 20

	var admitted atomic.Int32
	var g errgroup.Group
	for i := 0; i < n; i++ {
		actor := booking.Actor{ID: uuid.NewString()}
		g.Go(func() error {
			_, err := f.svc.Admit(context.Background(), actor, f.request(day(5, 9), day(5, 17), 1, 0))
			if err == nil {
				admitted.Add(1)
				return nil
			}
			if errors.Is(err, booking.ErrConflict) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(3), admitted.Load())
	avail := f.availability(t, day(5, 9), day(5, 17))
	assert.Equal(t, 0, avail[f.vans.ID].Available)
}

func TestPoolConservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start, end := day(4, 8), day(4, 18)

	check := func() {
		t.Helper()
		for _, a := range f.availability(t, start, end) {
			assert.GreaterOrEqual(t, a.Available, 0, a.Name)
			assert.Equal(t, a.Total, a.Available+a.Allocated, a.Name)
		}
	}

	a, err := f.svc.Admit(ctx, alice, f.request(day(4, 8), day(4, 10), 1, 1))
	require.NoError(t, err)
	check()
	b, err := f.svc.Admit(ctx, bob, f.request(day(4, 9), day(4, 12), 2, 1))
	require.NoError(t, err)
	check()
	_, err = f.svc.Admit(ctx, bob, f.request(day(4, 9), day(4, 12), 1, 0))
	require.ErrorIs(t, err, booking.ErrConflict)
	check()

	_, err = f.svc.Transition(ctx, admin, a.ID, "approved", "")
	require.NoError(t, err)
	check()
	_, err = f.svc.Transition(ctx, admin, b.ID, "rejected", "no budget")
	require.NoError(t, err)
	check()

	avail := f.availability(t, start, end)
	assert.Equal(t, 2, avail[f.vans.ID].Available)
	assert.Equal(t, 1, avail[f.drivers.ID].Available)

	_, err = f.svc.Transition(ctx, alice, a.ID, "cancelled", "")
	require.NoError(t, err)
	check()
	avail = f.availability(t, start, end)
	assert.Equal(t, 3, avail[f.vans.ID].Available)
	assert.Equal(t, 2, avail[f.drivers.ID].Available)
}

func TestAvailability_DisjointBookingsCountOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Admit(ctx, alice, f.request(day(3, 8), day(3, 10), 2, 2))
	require.NoError(t, err)
	_, err = f.svc.Admit(ctx, bob, f.request(day(3, 12), day(3, 14), 2, 2))
	require.NoError(t, err)

	avail := f.availability(t, day(3, 7), day(3, 15))
	assert.Equal(t, 2, avail[f.drivers.ID].Allocated)
	assert.Equal(t, 0, avail[f.drivers.ID].Available)
	assert.Equal(t, 2, avail[f.vans.ID].Allocated)
	assert.Equal(t, 1, avail[f.vans.ID].Available)

	// Peak van use over the wide range is 2 of 3, so one more van fits.
	b, err := f.svc.Admit(ctx, alice, f.request(day(3, 7), day(3, 15), 1, 0))
	require.NoError(t, err)
	assert.Equal(t, booking.StatusPending, b.Status)

	_, err = f.svc.Admit(ctx, bob, f.request(day(3, 9), day(3, 13), 1, 0))
	require.ErrorIs(t, err, booking.ErrConflict)
	assert.Contains(t, err.Error(), "available 0")
}

func TestTransition_StateMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.Admit(ctx, alice, f.request(day(3, 8), day(3, 12), 1, 0))
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, alice, b.ID, "approved", "")
	assert.ErrorIs(t, err, booking.ErrForbidden)

	// Legacy numeric label for approved.
	got, err := f.svc.Transition(ctx, admin, b.ID, "1", "")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusApproved, got.Status)

	got, err = f.svc.Transition(ctx, admin, b.ID, "finished", "")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusFinished, got.Status)

	for _, to := range []string{"pending", "approved", "rejected", "cancelled", "finished"} {
		_, err = f.svc.Transition(ctx, admin, b.ID, to, "")
		require.ErrorIs(t, err, booking.ErrConflict, to)
		assert.Equal(t, booking.ReasonInvalidTransition, conflictReason(t, err))
	}

	_, err = f.svc.Transition(ctx, admin, uuid.New(), "approved", "")
	assert.ErrorIs(t, err, booking.ErrNotFound)
	_, err = f.svc.Transition(ctx, admin, b.ID, "lost", "")
	assert.ErrorIs(t, err, booking.ErrValidation)
}

func TestBookingQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.Admit(ctx, alice, f.request(day(3, 8), day(3, 12), 1, 1))
	require.NoError(t, err)

	got, err := f.svc.GetBooking(ctx, alice, b.ID)
	require.NoError(t, err)
	assert.Len(t, got.Allocations, 2)
	_, err = f.svc.GetBooking(ctx, bob, b.ID)
	assert.ErrorIs(t, err, booking.ErrForbidden)

	items, total, err := f.svc.ListByRequester(ctx, alice, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, b.ID, items[0].ID)
	_, _, err = f.svc.ListByRequester(ctx, bob, "alice", 10, 0)
	assert.ErrorIs(t, err, booking.ErrForbidden)
}

func TestAvailability_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Availability(context.Background(), day(3, 12), day(3, 8))
	assert.ErrorIs(t, err, booking.ErrValidation)
}
