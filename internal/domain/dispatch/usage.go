package dispatch

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Usage is one active allocation together with the range it is held for.
type Usage struct {
	PoolID   uuid.UUID
	StartsAt time.Time
	EndsAt   time.Time
	Quantity int
}

type usageEvent struct {
	at    time.Time
	delta int
}

// PeakUsage returns, per pool, the largest number of units held at the same
// instant within [start, end). Ranges are half-open, so a booking ending at t
// and another starting at t never count together.
func PeakUsage(usages []Usage, start, end time.Time) map[uuid.UUID]int {
	events := make(map[uuid.UUID][]usageEvent)
	for _, u := range usages {
		from, to := u.StartsAt, u.EndsAt
		if from.Before(start) {
			from = start
		}
		if to.After(end) {
			to = end
		}
		if !to.After(from) || u.Quantity <= 0 {
			continue
		}
		events[u.PoolID] = append(events[u.PoolID],
			usageEvent{at: from, delta: u.Quantity},
			usageEvent{at: to, delta: -u.Quantity})
	}

	peaks := make(map[uuid.UUID]int, len(events))
	for id, evs := range events {
		sort.Slice(evs, func(i, j int) bool {
			if !evs[i].at.Equal(evs[j].at) {
				return evs[i].at.Before(evs[j].at)
			}
			return evs[i].delta < evs[j].delta
		})
		var cur, peak int
		for _, ev := range evs {
			cur += ev.delta
			if cur > peak {
				peak = cur
			}
		}
		peaks[id] = peak
	}
	return peaks
}
