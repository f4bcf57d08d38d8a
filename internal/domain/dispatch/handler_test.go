package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portal/portal/internal/domain/booking"
	"github.com/portal/portal/internal/platform/auth"
)

func newTestServer(t *testing.T) (*echo.Echo, *fixture) {
	t.Helper()
	f := newFixture(t)
	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			var roles []string
			if raw := req.Header.Get("X-User-Roles"); raw != "" {
				roles = strings.Split(raw, ",")
			}
			c.SetRequest(req.WithContext(auth.WithUser(req.Context(), req.Header.Get("X-User-ID"), roles)))
			return next(c)
		}
	})
	NewHandler(f.svc).RegisterRoutes(api)
	return e, f
}

func do(e *echo.Echo, method, path, body, user string, roles ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-User-ID", user)
	req.Header.Set("X-User-Roles", strings.Join(roles, ","))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_AdmitAndAvailability(t *testing.T) {
	e, f := newTestServer(t)
	body := `{"start":"2024-06-03T08:00:00Z","end":"2024-06-03T12:00:00Z","allocations":[` +
		`{"pool_id":"` + f.vans.ID.String() + `","quantity":3}]}`

	rec := do(e, http.MethodPost, "/api/v1/dispatch/bookings", body, "alice")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "pending", created["status"])
	assert.Equal(t, "0", created["status_label"])

	rec = do(e, http.MethodPost, "/api/v1/dispatch/bookings", body, "bob")
	assert.Equal(t, http.StatusConflict, rec.Code)
	var errBody booking.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, "insufficient_pool", errBody.Code)
	assert.Contains(t, errBody.Message, "vehicles of type Van")

	rec = do(e, http.MethodGet, "/api/v1/pools/availability?start=2024-06-03T09:00:00Z&end=2024-06-03T10:00:00Z", "", "bob")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var avail []PoolAvailability
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &avail))
	require.Len(t, avail, 2)
	for _, a := range avail {
		if a.PoolID == f.vans.ID {
			assert.Equal(t, 0, a.Available)
			assert.Equal(t, 3, a.Allocated)
		}
	}

	rec = do(e, http.MethodGet, "/api/v1/pools/availability?start=yesterday&end=2024-06-03T10:00:00Z", "", "bob")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Pools(t *testing.T) {
	e, f := newTestServer(t)

	rec := do(e, http.MethodPost, "/api/v1/pools", `{"kind":"vehicle_type","name":"Bus","total":1}`, "alice")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/pools", `{"kind":"vehicle_type","name":"Bus","total":1}`, "root", auth.RoleAdmin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(e, http.MethodGet, "/api/v1/pools?kind=vehicle_type", "", "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)

	rec = do(e, http.MethodGet, "/api/v1/pools/"+f.drivers.ID.String(), "", "alice")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodDelete, "/api/v1/pools/"+f.drivers.ID.String(), "", "root", auth.RoleAdmin)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandler_Transition(t *testing.T) {
	e, f := newTestServer(t)
	b, err := f.svc.Admit(context.Background(), alice, f.request(day(3, 8), day(3, 12), 1, 0))
	require.NoError(t, err)
	path := "/api/v1/dispatch/bookings/" + b.ID.String() + "/transitions"

	rec := do(e, http.MethodPost, path, `{"status":"approved"}`, "alice")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(e, http.MethodPost, path, `{"status":"approved"}`, "root", auth.RoleAdmin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(e, http.MethodGet, "/api/v1/dispatch/bookings/"+b.ID.String(), "", "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "approved", got["status"])

	rec = do(e, http.MethodGet, "/api/v1/dispatch/bookings", "", "alice")
	assert.Equal(t, http.StatusOK, rec.Code)
}
