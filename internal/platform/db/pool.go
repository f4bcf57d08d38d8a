package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/rs/zerolog"
)

// PoolConfig sizes the connection pool and selects the query log level.
type PoolConfig struct {
	DatabaseURL string
	MaxConns    int32
	MinConns    int32
	// QueryLogLevel enables pgx query tracing through zerolog when set to
	// debug or trace. Anything higher leaves tracing off.
	QueryLogLevel zerolog.Level
}

func NewPool(ctx context.Context, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(pc.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = pc.MaxConns
	cfg.MinConns = pc.MinConns
	cfg.HealthCheckPeriod = 30 * time.Second
	// Slot dates and times are stored as DATE / TIME; keep session time zone fixed.
	cfg.ConnConfig.RuntimeParams["timezone"] = "UTC"

	if pc.QueryLogLevel <= zerolog.DebugLevel {
		cfg.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   queryLogger(),
			LogLevel: tracelog.LogLevelDebug,
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// queryLogger routes pgx trace output to the request logger when one is on
// the context.
func queryLogger() tracelog.Logger {
	return tracelog.LoggerFunc(func(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]interface{}) {
		l := zerolog.Ctx(ctx)
		var ev *zerolog.Event
		switch level {
		case tracelog.LogLevelError:
			ev = l.Error()
		case tracelog.LogLevelWarn:
			ev = l.Warn()
		case tracelog.LogLevelInfo:
			ev = l.Info()
		default:
			ev = l.Debug()
		}
		ev.Fields(data).Msg(msg)
	})
}
