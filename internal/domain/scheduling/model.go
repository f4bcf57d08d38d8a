package scheduling

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/portal/portal/internal/domain/booking"
)

const dateLayout = "2006-01-02"

// Resource is a bookable doctor, room, vehicle type or driver.
type Resource struct {
	ID          uuid.UUID            `json:"id"`
	Kind        booking.ResourceKind `json:"kind"`
	ServiceType booking.ServiceType  `json:"service_type"`
	Name        string               `json:"name"`
	Active      bool                 `json:"active"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// ClockTime is a time of day in whole minutes since midnight. It reads and
// writes "HH:MM" in JSON and maps to a PostgreSQL TIME column.
type ClockTime int

const minutesPerDay = 24 * 60

// ParseClock parses "HH:MM" (24h). "24:00" is accepted as end of day.
func ParseClock(s string) (ClockTime, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, booking.Validationf("invalid time %q, expected HH:MM", s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, booking.Validationf("invalid time %q, expected HH:MM", s)
	}
	return ClockTime(h*60 + m), nil
}

func (t ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *ClockTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return booking.Validationf("time must be a string in HH:MM form")
	}
	v, err := ParseClock(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ScanTime implements pgtype.TimeScanner.
func (t *ClockTime) ScanTime(v pgtype.Time) error {
	if !v.Valid {
		return fmt.Errorf("cannot scan NULL into ClockTime")
	}
	*t = ClockTime(v.Microseconds / int64(time.Minute/time.Microsecond))
	return nil
}

// TimeValue implements pgtype.TimeValuer.
func (t ClockTime) TimeValue() (pgtype.Time, error) {
	return pgtype.Time{Microseconds: int64(t) * int64(time.Minute/time.Microsecond), Valid: true}, nil
}

// AvailabilityRule offers slots of Granularity minutes on one weekday
// between StartTime (inclusive) and EndTime (exclusive).
type AvailabilityRule struct {
	ID                 uuid.UUID    `json:"id"`
	ResourceID         uuid.UUID    `json:"resource_id"`
	Weekday            time.Weekday `json:"weekday"`
	StartTime          ClockTime    `json:"start_time"`
	EndTime            ClockTime    `json:"end_time"`
	GranularityMinutes int          `json:"granularity_minutes"`
	Active             bool         `json:"active"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Validate checks the rule's own fields. A window not evenly divided by the
// granularity is allowed; the trailing remainder is simply not offered.
func (r *AvailabilityRule) Validate() error {
	if r.ResourceID == uuid.Nil {
		return booking.Validationf("resource_id is required")
	}
	if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
		return booking.Validationf("weekday must be between 0 (Sunday) and 6 (Saturday)")
	}
	if r.StartTime < 0 || r.EndTime > minutesPerDay {
		return booking.Validationf("time window must lie within one day")
	}
	if r.StartTime >= r.EndTime {
		return booking.Validationf("start_time must be before end_time")
	}
	if r.GranularityMinutes <= 0 {
		return booking.Validationf("granularity_minutes must be positive")
	}
	if r.GranularityMinutes > int(r.EndTime-r.StartTime) {
		return booking.Validationf("granularity_minutes exceeds the time window")
	}
	return nil
}

// Overlaps reports whether both rules are active, on the same resource and
// weekday, and have intersecting windows.
func (r *AvailabilityRule) Overlaps(o *AvailabilityRule) bool {
	return r.Active && o.Active &&
		r.ResourceID == o.ResourceID &&
		r.Weekday == o.Weekday &&
		r.StartTime < o.EndTime && o.StartTime < r.EndTime
}

// Month is a calendar month.
type Month struct {
	Year  int
	Month time.Month
}

// ParseMonth parses "YYYY-MM".
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(s))
	if err != nil {
		return Month{}, booking.Validationf("invalid month %q, expected YYYY-MM", s)
	}
	return Month{Year: t.Year(), Month: t.Month()}, nil
}

func MonthOf(t time.Time) Month { return Month{Year: t.Year(), Month: t.Month()} }

func (m Month) String() string { return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month)) }

// First returns the first day of the month at midnight UTC.
func (m Month) First() time.Time { return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC) }

// Next returns the first day of the following month.
func (m Month) Next() time.Time { return m.First().AddDate(0, 1, 0) }

// ParseDate parses an ISO date into midnight UTC.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, booking.Validationf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return d, nil
}

// Coordinate identifies one slot of one resource. It has no identity of its
// own beyond these three values.
type Coordinate struct {
	ResourceID uuid.UUID `json:"resource_id"`
	Date       time.Time `json:"-"`
	Time       ClockTime `json:"time"`
}

// NewCoordinate parses an ISO date and an HH:MM time.
func NewCoordinate(resourceID uuid.UUID, date, clock string) (Coordinate, error) {
	if resourceID == uuid.Nil {
		return Coordinate{}, booking.Validationf("resource_id is required")
	}
	if date == "" || clock == "" {
		return Coordinate{}, booking.Validationf("date and time are required")
	}
	d, err := ParseDate(date)
	if err != nil {
		return Coordinate{}, err
	}
	t, err := ParseClock(clock)
	if err != nil {
		return Coordinate{}, err
	}
	if t >= minutesPerDay {
		return Coordinate{}, booking.Validationf("invalid time %q", clock)
	}
	return Coordinate{ResourceID: resourceID, Date: d, Time: t}, nil
}

func (c Coordinate) DateKey() string { return c.Date.Format(dateLayout) }

// LockKey is the string hashed into the coordinate's advisory lock.
func (c Coordinate) LockKey() string {
	return c.ResourceID.String() + "|" + c.DateKey() + "|" + c.Time.String()
}

// StartIn returns the wall-clock start of the slot in loc.
func (c Coordinate) StartIn(loc *time.Location) time.Time {
	return time.Date(c.Date.Year(), c.Date.Month(), c.Date.Day(), int(c.Time)/60, int(c.Time)%60, 0, 0, loc)
}

func (c Coordinate) String() string { return c.DateKey() + " " + c.Time.String() }

// OccupantKind discriminates what holds a coordinate.
type OccupantKind string

const (
	OccupantUser       OccupantKind = "user"
	OccupantAdminBlock OccupantKind = "admin_block"
)

// Booking is a row of the slot ledger. Occupant distinguishes a requester's
// booking from an admin hold; admin holds are always approved and are deleted
// rather than transitioned.
type Booking struct {
	ID          uuid.UUID           `json:"id"`
	ResourceID  uuid.UUID           `json:"resource_id"`
	ServiceType booking.ServiceType `json:"service_type"`
	Occupant    OccupantKind        `json:"occupant"`
	RequesterID string              `json:"requester_id"`
	SlotDate    time.Time           `json:"-"`
	SlotTime    ClockTime           `json:"time"`
	Status      booking.Status      `json:"status"`
	Reason      string              `json:"reason,omitempty"`
	Payload     json.RawMessage     `json:"payload,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func (b *Booking) Coordinate() Coordinate {
	return Coordinate{ResourceID: b.ResourceID, Date: b.SlotDate, Time: b.SlotTime}
}

func (b *Booking) IsAdminBlock() bool { return b.Occupant == OccupantAdminBlock }

// Occupying reports whether the row currently holds its coordinate.
func (b *Booking) Occupying() bool { return b.Status.Occupying() }

// MarshalJSON adds the ISO date and the service's legacy status label.
func (b *Booking) MarshalJSON() ([]byte, error) {
	type plain Booking
	return json.Marshal(struct {
		*plain
		Date        string `json:"date"`
		StatusLabel string `json:"status_label"`
	}{
		plain:       (*plain)(b),
		Date:        b.SlotDate.Format(dateLayout),
		StatusLabel: booking.AdapterFor(b.ServiceType).Encode(b.Status),
	})
}

// SlotSet maps ISO dates to ascending, duplicate-free HH:MM start times.
type SlotSet map[string][]string

func (s SlotSet) Contains(date, clock string) bool {
	for _, t := range s[date] {
		if t == clock {
			return true
		}
	}
	return false
}

// Len returns the number of coordinates in the set.
func (s SlotSet) Len() int {
	n := 0
	for _, times := range s {
		n += len(times)
	}
	return n
}

// Minus returns the slots of s present in none of others.
func (s SlotSet) Minus(others ...SlotSet) SlotSet {
	out := SlotSet{}
	for date, times := range s {
		for _, t := range times {
			taken := false
			for _, o := range others {
				if o.Contains(date, t) {
					taken = true
					break
				}
			}
			if !taken {
				out[date] = append(out[date], t)
			}
		}
	}
	return out
}

// Calendar is the resolved view of one resource for one month.
type Calendar struct {
	ResourceID uuid.UUID `json:"resource_id"`
	Month      string    `json:"month"`
	AllSlots   SlotSet   `json:"all_slots"`
	Booked     SlotSet   `json:"booked"`
	Blocked    SlotSet   `json:"blocked"`
	Available  SlotSet   `json:"available"`
}
