package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// Resolve composes the calendar of a resource for month m: every slot the
// rules offer, the slots held by user bookings and by admin blocks, and what
// remains available. Occupied slots stay listed even if a later rule change
// stopped offering them.
func (s *Service) Resolve(ctx context.Context, resourceID uuid.UUID, m Month) (*Calendar, error) {
	if _, err := s.resources.GetByID(ctx, resourceID); err != nil {
		return nil, err
	}

	all, err := s.slots.Get(ctx, slotCacheGroup(ctx, resourceID), slotCacheKey(ctx, resourceID, m),
		func(ctx context.Context) (SlotSet, error) {
			rules, err := s.rules.ListByResource(ctx, resourceID)
			if err != nil {
				return nil, err
			}
			return Materialize(resourceID, rules, m), nil
		})
	if err != nil {
		return nil, err
	}
	if all == nil {
		all = SlotSet{}
	}

	occupying, err := s.bookings.ListOccupying(ctx, resourceID, m.First(), m.Next())
	if err != nil {
		return nil, err
	}
	booked, blocked := SlotSet{}, SlotSet{}
	for _, b := range occupying {
		target := booked
		if b.IsAdminBlock() {
			target = blocked
		}
		date := b.SlotDate.Format(dateLayout)
		target[date] = append(target[date], b.SlotTime.String())
	}

	return &Calendar{
		ResourceID: resourceID,
		Month:      m.String(),
		AllSlots:   all,
		Booked:     booked,
		Blocked:    blocked,
		Available:  all.Minus(booked, blocked),
	}, nil
}
