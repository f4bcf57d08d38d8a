package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestPoolStats_JSONTags(t *testing.T) {
	stats := PoolStats{
		TotalConns:      1,
		IdleConns:       1,
		MaxConns:        10,
		AcquireCount:    50,
		AcquireDuration: "250ms",
		Healthy:         true,
	}

	b, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"total_conns", "idle_conns", "acquired_conns", "max_conns", "acquire_count", "acquire_duration", "healthy"} {
		if _, ok := got[key]; !ok {
			t.Errorf("expected key %q in %s", key, b)
		}
	}
}

func TestCheckDependencies_AllHealthy(t *testing.T) {
	deps := []Dependency{
		{Name: "slot_cache", Ping: func(context.Context) error { return nil }},
	}
	statuses, healthy := CheckDependencies(context.Background(), deps)
	if !healthy {
		t.Error("expected healthy")
	}
	if len(statuses) != 1 || statuses[0].Name != "slot_cache" || !statuses[0].Healthy {
		t.Errorf("unexpected statuses: %+v", statuses)
	}
}

func TestCheckDependencies_OneFailing(t *testing.T) {
	deps := []Dependency{
		{Name: "ok", Ping: func(context.Context) error { return nil }},
		{Name: "slot_cache", Ping: func(context.Context) error { return errors.New("connection refused") }},
	}
	statuses, healthy := CheckDependencies(context.Background(), deps)
	if healthy {
		t.Error("expected unhealthy")
	}
	if statuses[1].Healthy || statuses[1].Error != "connection refused" {
		t.Errorf("unexpected status: %+v", statuses[1])
	}
}

func TestCheckDependencies_None(t *testing.T) {
	statuses, healthy := CheckDependencies(context.Background(), nil)
	if !healthy {
		t.Error("expected healthy with no dependencies")
	}
	if len(statuses) != 0 {
		t.Errorf("expected no statuses, got %d", len(statuses))
	}
}
