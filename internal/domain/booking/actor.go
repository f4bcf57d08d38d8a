package booking

import (
	"context"

	"github.com/portal/portal/internal/platform/auth"
)

// Actor is the authenticated caller performing a booking operation.
type Actor struct {
	ID    string
	Admin bool
}

// ActorFromContext builds the Actor placed on the context by the auth middleware.
func ActorFromContext(ctx context.Context) Actor {
	return Actor{
		ID:    auth.UserIDFromContext(ctx),
		Admin: auth.IsAdmin(ctx),
	}
}

// CanCancel reports whether the actor may cancel a booking owned by requester.
func (a Actor) CanCancel(requester string) bool {
	return a.Admin || (a.ID != "" && a.ID == requester)
}

// AuthorizeTransition checks that the actor may move a booking owned by
// requester into the target status.
func (a Actor) AuthorizeTransition(to Status, requester string) error {
	if a.ID == "" {
		return Forbiddenf("unauthenticated")
	}
	if to == StatusCancelled {
		if !a.CanCancel(requester) {
			return Forbiddenf("only the requester or an admin can cancel this booking")
		}
		return nil
	}
	if !a.Admin {
		return Forbiddenf("only an admin can move a booking to %s", to)
	}
	return nil
}
