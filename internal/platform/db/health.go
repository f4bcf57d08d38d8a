package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Dependency is an additional backend probed by the health endpoint, such as
// the slot cache.
type Dependency struct {
	Name string
	Ping func(ctx context.Context) error
}

// DependencyStatus is the JSON form of one probed dependency.
type DependencyStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// CheckDependencies pings every dependency and reports whether all of them
// answered.
func CheckDependencies(ctx context.Context, deps []Dependency) ([]DependencyStatus, bool) {
	statuses := make([]DependencyStatus, 0, len(deps))
	healthy := true
	for _, d := range deps {
		st := DependencyStatus{Name: d.Name, Healthy: true}
		if err := d.Ping(ctx); err != nil {
			st.Healthy = false
			st.Error = err.Error()
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return statuses, healthy
}

// HealthHandler returns a handler for the database health check endpoint.
// Dependencies are reported alongside the pool; any failure yields 503.
func HealthHandler(pool *pgxpool.Pool, deps ...Dependency) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		// Ping the database
		err := pool.Ping(ctx)
		stats := GetPoolStats(pool)
		depStatuses, depsHealthy := CheckDependencies(ctx, deps)

		if err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status":       "unhealthy",
				"error":        err.Error(),
				"pool":         stats,
				"dependencies": depStatuses,
			})
		}
		if !depsHealthy {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status":       "degraded",
				"pool":         stats,
				"dependencies": depStatuses,
			})
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":       "healthy",
			"pool":         stats,
			"dependencies": depStatuses,
		})
	}
}
