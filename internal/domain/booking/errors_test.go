package booking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portal/portal/internal/platform/auth"
)

func TestHTTPError_Mapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		body string
	}{
		{"validation", Validationf("date is required"), http.StatusBadRequest, "validation_error"},
		{"conflict", Conflictf(ReasonBlockedByAdmin, "slot closed by admin"), http.StatusConflict, "blocked_by_admin"},
		{"wrapped conflict", fmt.Errorf("admit: %w", Conflictf(ReasonAlreadyBooked, "slot already booked")), http.StatusConflict, "already_booked"},
		{"not found", NotFound("booking", "b-1"), http.StatusNotFound, "not_found"},
		{"forbidden", Forbiddenf("nope"), http.StatusForbidden, "forbidden"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			he := HTTPError(tt.err)
			assert.Equal(t, tt.code, he.Code)
			body, ok := he.Message.(ErrorBody)
			require.True(t, ok)
			assert.Equal(t, tt.body, body.Code)
		})
	}
}

func TestHTTPError_HidesInternalText(t *testing.T) {
	he := HTTPError(errors.New("pq: password authentication failed"))
	body := he.Message.(ErrorBody)
	assert.Equal(t, "internal server error", body.Message)
	assert.NotNil(t, he.Internal)
}

func TestErrorsIs(t *testing.T) {
	assert.True(t, errors.Is(NotFound("rule", "x"), ErrNotFound))
	assert.True(t, errors.Is(Forbiddenf("x"), ErrForbidden))
	assert.False(t, errors.Is(Validationf("x"), ErrConflict))
}

func TestActor_AuthorizeTransition(t *testing.T) {
	admin := ActorFromContext(auth.WithUser(context.Background(), "root", []string{auth.RoleAdmin}))
	owner := ActorFromContext(auth.WithUser(context.Background(), "alice", []string{"staff"}))
	other := Actor{ID: "bob"}

	assert.NoError(t, admin.AuthorizeTransition(StatusApproved, "alice"))
	assert.NoError(t, owner.AuthorizeTransition(StatusCancelled, "alice"))
	assert.True(t, errors.Is(owner.AuthorizeTransition(StatusApproved, "alice"), ErrForbidden))
	assert.True(t, errors.Is(other.AuthorizeTransition(StatusCancelled, "alice"), ErrForbidden))
	assert.True(t, errors.Is(Actor{}.AuthorizeTransition(StatusCancelled, ""), ErrForbidden))
}

func TestServiceModes(t *testing.T) {
	assert.Equal(t, ModeSlot, ServiceClinic.Mode())
	assert.Equal(t, ModeSlot, ServiceMeetingRoom.Mode())
	assert.Equal(t, ModePool, ServiceVehicle.Mode())
	assert.Equal(t, ModeNone, ServiceCatering.Mode())

	kind, ok := ServiceClinic.SlotResourceKind()
	assert.True(t, ok)
	assert.Equal(t, KindDoctor, kind)

	_, err := ParseServiceType("spa")
	assert.True(t, errors.Is(err, ErrValidation))
}
