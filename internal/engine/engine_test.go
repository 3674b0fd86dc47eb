package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/dispatch-engine/internal/assign"
	"github.com/example/dispatch-engine/internal/dispatch"
	"github.com/example/dispatch-engine/internal/geo"
	"github.com/example/dispatch-engine/internal/identity"
	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/storage"
	"github.com/example/dispatch-engine/internal/trip"
)

type recordingSink struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (s *recordingSink) Publish(ev dispatch.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) byType(tp dispatch.EventType) []dispatch.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []dispatch.Event
	for _, ev := range s.events {
		if ev.Type == tp {
			out = append(out, ev)
		}
	}
	return out
}

type recordingBiller struct {
	mu      sync.Mutex
	charged []trip.Trip
}

func (b *recordingBiller) ChargeTrip(_ context.Context, t trip.Trip) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.charged = append(b.charged, t)
	return nil
}

func (b *recordingBiller) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.charged)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.OfferWindow = 250 * time.Millisecond
	cfg.MaxMatchAttempts = 2
	cfg.RetryDelay = 10 * time.Millisecond
	return cfg
}

func testDirectory(riders []string, drivers map[string]float64) *identity.StaticDirectory {
	dir := identity.NewStaticDirectory()
	for _, r := range riders {
		dir.Put(r, identity.Profile{Rating: 5, DisplayName: r})
	}
	for d, rating := range drivers {
		dir.Put(d, identity.Profile{Rating: rating, DisplayName: d})
	}
	return dir
}

func onlineAt(t *testing.T, e *Engine, driverID string, lat, lon float64) {
	t.Helper()
	pos := models.DriverPosition{Loc: models.Coord{Lat: lat, Lon: lon}, ObservedAt: time.Now()}
	if err := e.GoOnline(context.Background(), driverID, pos); err != nil {
		t.Fatalf("go online %s: %v", driverID, err)
	}
}

func TestEndToEndFirstAcceptanceWins(t *testing.T) {
	sink := &recordingSink{}
	store := storage.NewMemoryStore()
	biller := &recordingBiller{}
	dir := testDirectory([]string{"r1"}, map[string]float64{"d1": 4.0, "d2": 4.5, "d3": 5.0})
	e := New(testConfig(), Deps{Store: store, Directory: dir, Sink: sink, Biller: biller})

	// three available drivers within 5 km of the pickup
	onlineAt(t, e, "d1", 0.01, 0)
	onlineAt(t, e, "d2", 0.02, 0)
	onlineAt(t, e, "d3", 0.03, 0)

	req := models.TripRequest{RiderID: "r1", Pickup: models.Coord{}, Destination: models.Coord{Lat: 0, Lon: 0.1}}
	created, err := e.RequestTrip(context.Background(), req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if created.Status != trip.StatusRequested || created.FareEstimate <= 0 {
		t.Fatalf("unexpected created trip: %+v", created)
	}

	waitFor(t, "offers to all three drivers", func() bool {
		return len(sink.byType(dispatch.EventTripOffered)) == 3
	})
	offered := map[string]bool{}
	for _, ev := range sink.byType(dispatch.EventTripOffered) {
		offered[ev.DriverID] = true
	}
	if !offered["d1"] || !offered["d2"] || !offered["d3"] {
		t.Fatalf("expected offers for d1,d2,d3, got %v", offered)
	}

	if err := e.AcceptOffer(context.Background(), created.ID, "d2"); err != nil {
		t.Fatalf("first acceptance: %v", err)
	}
	if err := e.AcceptOffer(context.Background(), created.ID, "d1"); !errors.Is(err, assign.ErrAlreadyAssigned) {
		t.Fatalf("second acceptance: expected ErrAlreadyAssigned, got %v", err)
	}

	waitFor(t, "assignment bookkeeping", func() bool {
		got, _ := e.Trip(created.ID)
		return got.Status == trip.StatusAccepted
	})
	got, _ := e.Trip(created.ID)
	if got.DriverID != "d2" {
		t.Fatalf("expected winner d2, got %s", got.DriverID)
	}

	// position reports from the assigned driver now carry ETA updates
	if err := e.ReportPosition(context.Background(), models.DriverPosition{DriverID: "d2", Loc: models.Coord{Lat: 0.005, Lon: 0}}); err != nil {
		t.Fatalf("report position: %v", err)
	}
	if len(sink.byType(dispatch.EventETAUpdated)) == 0 {
		t.Fatal("expected an eta update for the active trip")
	}

	if _, err := e.StartTrip(context.Background(), created.ID, "d2"); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := e.CompleteTrip(context.Background(), created.ID, "d2", 12.0)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != trip.StatusCompleted || done.FinalDistanceKm != 12.0 {
		t.Fatalf("unexpected completion: %+v", done)
	}

	latest, ok := store.Latest(created.ID)
	if !ok || latest.Status != trip.StatusCompleted {
		t.Fatalf("store must hold the terminal snapshot, got %+v", latest)
	}
	waitFor(t, "billing call", func() bool { return biller.count() == 1 })

	// the winner is matchable again
	if e.avail.State("d2") != StateAvailable {
		t.Fatalf("expected d2 available after completion, got %s", e.avail.State("d2"))
	}
}

func TestStartByWrongDriverRejected(t *testing.T) {
	sink := &recordingSink{}
	dir := testDirectory([]string{"r1"}, map[string]float64{"d1": 4.0})
	e := New(testConfig(), Deps{Directory: dir, Sink: sink})
	onlineAt(t, e, "d1", 0.01, 0)

	created, err := e.RequestTrip(context.Background(), models.TripRequest{RiderID: "r1", Destination: models.Coord{Lat: 0.1}})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offer", func() bool { return len(sink.byType(dispatch.EventTripOffered)) > 0 })
	if err := e.AcceptOffer(context.Background(), created.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.StartTrip(context.Background(), created.ID, "impostor"); !errors.Is(err, ErrNotTripDriver) {
		t.Fatalf("expected ErrNotTripDriver, got %v", err)
	}
}

func TestNoDriversCancelsAfterRetryBudget(t *testing.T) {
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.OfferWindow = 30 * time.Millisecond
	cfg.RetryDelay = 5 * time.Millisecond
	dir := testDirectory([]string{"r1"}, nil)
	e := New(cfg, Deps{Directory: dir, Sink: sink})

	created, err := e.RequestTrip(context.Background(), models.TripRequest{RiderID: "r1", Destination: models.Coord{Lat: 0.1}})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "self-cancellation", func() bool {
		got, _ := e.Trip(created.ID)
		return got.Status == trip.StatusCancelled
	})
	got, _ := e.Trip(created.ID)
	if got.CancelReason != trip.CancelReasonNoDrivers {
		t.Fatalf("expected no-drivers reason, got %q", got.CancelReason)
	}
}

func TestUnacceptedOfferRetriesThenCancels(t *testing.T) {
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.OfferWindow = 30 * time.Millisecond
	dir := testDirectory([]string{"r1"}, map[string]float64{"d1": 4.0})
	e := New(cfg, Deps{Directory: dir, Sink: sink})
	onlineAt(t, e, "d1", 0.01, 0)

	created, err := e.RequestTrip(context.Background(), models.TripRequest{RiderID: "r1", Destination: models.Coord{Lat: 0.1}})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "cancellation after expiries", func() bool {
		got, _ := e.Trip(created.ID)
		return got.Status == trip.StatusCancelled
	})
	// one offer per attempt
	if n := len(sink.byType(dispatch.EventTripOffered)); n != cfg.MaxMatchAttempts {
		t.Fatalf("expected %d offers, got %d", cfg.MaxMatchAttempts, n)
	}
	// the late acceptance is rejected, not honored
	if err := e.AcceptOffer(context.Background(), created.ID, "d1"); !errors.Is(err, assign.ErrTripNotOfferable) {
		t.Fatalf("expected ErrTripNotOfferable, got %v", err)
	}
}

func TestRetryRoundWidensSearchRadius(t *testing.T) {
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.OfferWindow = 30 * time.Millisecond
	cfg.MinCandidates = 1 // the near driver alone satisfies round one
	dir := testDirectory([]string{"r1"}, map[string]float64{"near": 4.0, "far": 4.0})
	e := New(cfg, Deps{Directory: dir, Sink: sink})

	// "near" is ~1.1 km from the pickup, "far" ~7.8 km: outside the 5 km
	// initial radius, inside the 10 km widened one
	onlineAt(t, e, "near", 0.01, 0)
	onlineAt(t, e, "far", 0.07, 0)

	created, err := e.RequestTrip(context.Background(), models.TripRequest{RiderID: "r1", Destination: models.Coord{Lat: 0.1}})
	if err != nil {
		t.Fatal(err)
	}
	// nobody accepts; the requeued round must reach the far driver
	waitFor(t, "cancellation after expiries", func() bool {
		got, _ := e.Trip(created.ID)
		return got.Status == trip.StatusCancelled
	})

	offers := sink.byType(dispatch.EventTripOffered)
	if n := len(offers); n != 3 {
		t.Fatalf("expected 3 offers (near, then near+far), got %d", n)
	}
	if offers[0].DriverID != "near" {
		t.Fatalf("round one must offer only the near driver, got %s", offers[0].DriverID)
	}
	farOffered := false
	for _, ev := range offers[1:] {
		if ev.DriverID == "far" {
			farOffered = true
		}
	}
	if !farOffered {
		t.Fatal("retry round never offered the out-of-initial-radius driver")
	}
}

func TestRiderCancelDuringMatching(t *testing.T) {
	sink := &recordingSink{}
	dir := testDirectory([]string{"r1"}, map[string]float64{"d1": 4.0})
	e := New(testConfig(), Deps{Directory: dir, Sink: sink})
	onlineAt(t, e, "d1", 0.01, 0)

	created, err := e.RequestTrip(context.Background(), models.TripRequest{RiderID: "r1", Destination: models.Coord{Lat: 0.1}})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offer", func() bool { return len(sink.byType(dispatch.EventTripOffered)) > 0 })

	cancelled, err := e.CancelTrip(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != trip.StatusCancelled {
		t.Fatalf("expected cancelled, got %+v", cancelled)
	}
	if err := e.AcceptOffer(context.Background(), created.ID, "d1"); !errors.Is(err, assign.ErrTripNotOfferable) {
		t.Fatalf("acceptance after cancel: expected ErrTripNotOfferable, got %v", err)
	}
	if e.avail.State("d1") != StateAvailable {
		t.Fatal("driver must stay available after a cancelled match")
	}
}

func TestCancelAfterStartSettlesAsCompletion(t *testing.T) {
	sink := &recordingSink{}
	biller := &recordingBiller{}
	dir := testDirectory([]string{"r1"}, map[string]float64{"d1": 4.0})
	e := New(testConfig(), Deps{Directory: dir, Sink: sink, Biller: biller})
	onlineAt(t, e, "d1", 0.01, 0)

	created, err := e.RequestTrip(context.Background(), models.TripRequest{RiderID: "r1", Destination: models.Coord{Lat: 0.1}})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offer", func() bool { return len(sink.byType(dispatch.EventTripOffered)) > 0 })
	if err := e.AcceptOffer(context.Background(), created.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "assignment", func() bool {
		got, _ := e.Trip(created.ID)
		return got.Status == trip.StatusAccepted
	})
	if _, err := e.StartTrip(context.Background(), created.ID, "d1"); err != nil {
		t.Fatal(err)
	}

	done, err := e.CancelTrip(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != trip.StatusCompleted || done.Outcome != trip.OutcomeCancelledEnRoute {
		t.Fatalf("expected en-route settlement, got %+v", done)
	}
	waitFor(t, "billing call", func() bool { return biller.count() == 1 })
}

func TestTerminalTripEvictedAfterRetention(t *testing.T) {
	sink := &recordingSink{}
	store := storage.NewMemoryStore()
	cfg := testConfig()
	cfg.TripRetention = 20 * time.Millisecond
	dir := testDirectory([]string{"r1"}, map[string]float64{"d1": 4.0})
	e := New(cfg, Deps{Store: store, Directory: dir, Sink: sink})
	onlineAt(t, e, "d1", 0.01, 0)

	created, err := e.RequestTrip(context.Background(), models.TripRequest{RiderID: "r1", Destination: models.Coord{Lat: 0.1}})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offer", func() bool { return len(sink.byType(dispatch.EventTripOffered)) > 0 })
	if err := e.AcceptOffer(context.Background(), created.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.StartTrip(context.Background(), created.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.CompleteTrip(context.Background(), created.ID, "d1", 4.0); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "eviction from the in-memory map", func() bool {
		_, ok := e.Trip(created.ID)
		return !ok
	})
	// the persisted record survives the eviction
	latest, ok := store.Latest(created.ID)
	if !ok || latest.Status != trip.StatusCompleted {
		t.Fatalf("store must keep the terminal snapshot, got %+v", latest)
	}
}

func TestRequestTripValidation(t *testing.T) {
	dir := testDirectory([]string{"r1"}, nil)
	e := New(testConfig(), Deps{Directory: dir})

	bad := models.TripRequest{RiderID: "r1", Pickup: models.Coord{Lat: 95}, Destination: models.Coord{Lat: 0.1}}
	if _, err := e.RequestTrip(context.Background(), bad); !errors.Is(err, geo.ErrInvalidCoordinate) {
		t.Fatalf("expected ErrInvalidCoordinate, got %v", err)
	}
	unknown := models.TripRequest{RiderID: "ghost", Destination: models.Coord{Lat: 0.1}}
	if _, err := e.RequestTrip(context.Background(), unknown); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected identity.ErrNotFound, got %v", err)
	}
}

func TestPositionReportFromOfflineDriverRejected(t *testing.T) {
	e := New(testConfig(), Deps{})
	err := e.ReportPosition(context.Background(), models.DriverPosition{DriverID: "nobody", Loc: models.Coord{Lat: 1}})
	if !errors.Is(err, ErrDriverOffline) {
		t.Fatalf("expected ErrDriverOffline, got %v", err)
	}
}

func TestOfflineDriverNotMatchable(t *testing.T) {
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.OfferWindow = 30 * time.Millisecond
	cfg.RetryDelay = 5 * time.Millisecond
	dir := testDirectory([]string{"r1"}, map[string]float64{"d1": 4.0})
	e := New(cfg, Deps{Directory: dir, Sink: sink})
	onlineAt(t, e, "d1", 0.01, 0)
	e.GoOffline(context.Background(), "d1")

	created, err := e.RequestTrip(context.Background(), models.TripRequest{RiderID: "r1", Destination: models.Coord{Lat: 0.1}})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "cancellation", func() bool {
		got, _ := e.Trip(created.ID)
		return got.Status == trip.StatusCancelled
	})
	if n := len(sink.byType(dispatch.EventTripOffered)); n != 0 {
		t.Fatalf("offline driver must receive no offers, got %d", n)
	}
}
