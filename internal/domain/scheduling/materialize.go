package scheduling

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// RuleStarts returns the slot start times a rule offers on a matching day.
// The window is end-exclusive: a slot is offered only if it finishes by
// EndTime, so a trailing remainder shorter than the granularity is dropped.
func RuleStarts(r *AvailabilityRule) []ClockTime {
	if r.GranularityMinutes <= 0 || r.StartTime >= r.EndTime {
		return nil
	}
	step := ClockTime(r.GranularityMinutes)
	var starts []ClockTime
	for t := r.StartTime; t+step <= r.EndTime; t += step {
		starts = append(starts, t)
	}
	return starts
}

// Materialize expands the active rules of resourceID into the slots of month.
// Rules of other resources are ignored. Overlapping rules yield each
// coordinate once. The result depends only on the rules and the calendar.
func Materialize(resourceID uuid.UUID, rules []*AvailabilityRule, m Month) SlotSet {
	byWeekday := map[time.Weekday]map[ClockTime]struct{}{}
	for _, r := range rules {
		if !r.Active || r.ResourceID != resourceID {
			continue
		}
		set := byWeekday[r.Weekday]
		if set == nil {
			set = map[ClockTime]struct{}{}
			byWeekday[r.Weekday] = set
		}
		for _, t := range RuleStarts(r) {
			set[t] = struct{}{}
		}
	}

	out := SlotSet{}
	if len(byWeekday) == 0 {
		return out
	}

	end := m.Next()
	for d := m.First(); d.Before(end); d = d.AddDate(0, 0, 1) {
		set := byWeekday[d.Weekday()]
		if len(set) == 0 {
			continue
		}
		starts := make([]ClockTime, 0, len(set))
		for t := range set {
			starts = append(starts, t)
		}
		sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

		times := make([]string, len(starts))
		for i, t := range starts {
			times[i] = t.String()
		}
		out[d.Format(dateLayout)] = times
	}
	return out
}

// OffersSlot reports whether rules offer coordinate c.
func OffersSlot(rules []*AvailabilityRule, c Coordinate) bool {
	wd := c.Date.Weekday()
	for _, r := range rules {
		if !r.Active || r.ResourceID != c.ResourceID || r.Weekday != wd {
			continue
		}
		for _, t := range RuleStarts(r) {
			if t == c.Time {
				return true
			}
		}
	}
	return false
}
