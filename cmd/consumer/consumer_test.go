package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/dispatch-engine/internal/models"
)

type fakeMirror struct {
	failGeo  int // GeoAdd failures before succeeding
	failH    int // HSet failures before succeeding
	geoCalls int
	hCalls   int
	lastMeta map[string]interface{}
}

func (f *fakeMirror) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeMirror) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.lastMeta = values
	return nil
}

func testPosition() models.DriverPosition {
	return models.DriverPosition{
		DriverID:   "d1",
		Loc:        models.Coord{Lat: 37.77, Lon: -122.41},
		SpeedKmh:   31.5,
		HeadingDeg: 270,
		ObservedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestMirrorWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	f := &fakeMirror{failGeo: 1, failH: 1}
	start := time.Now()
	if err := mirrorWithRetry(context.Background(), f, testPosition(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff pause")
	}
	if got := f.lastMeta["observed_at"]; got != "2026-03-14T09:00:00Z" {
		t.Fatalf("observed_at = %v", got)
	}
}

func TestMirrorWithRetryFailsWhenExhausted(t *testing.T) {
	f := &fakeMirror{failGeo: 5}
	if err := mirrorWithRetry(context.Background(), f, testPosition(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}
