// Package engine orchestrates dispatch: it receives trip requests, queries
// the geo index for candidates, scores and offers, commits the first valid
// acceptance through the assignment coordinator, and drives the trip state
// machine while republishing arrival estimates.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/dispatch-engine/internal/assign"
	"github.com/example/dispatch-engine/internal/billing"
	"github.com/example/dispatch-engine/internal/dispatch"
	"github.com/example/dispatch-engine/internal/eta"
	"github.com/example/dispatch-engine/internal/geo"
	"github.com/example/dispatch-engine/internal/identity"
	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/observability"
	"github.com/example/dispatch-engine/internal/scoring"
	"github.com/example/dispatch-engine/internal/storage"
	"github.com/example/dispatch-engine/internal/trip"
)

var (
	ErrTripNotFound       = errors.New("trip not found")
	ErrDriverOffline      = errors.New("driver offline")
	ErrNotTripDriver      = errors.New("driver not assigned to trip")
	ErrNoDriversAvailable = errors.New("no drivers available")
)

// PositionPublisher forwards accepted position reports to the ingest
// pipeline. Optional; publishing is best-effort.
type PositionPublisher interface {
	PublishPosition(p models.DriverPosition) error
}

type Config struct {
	Freshness        time.Duration // position staleness cutoff
	SearchRadiusKm   float64
	WidenedRadiusKm  float64
	CandidateLimit   int // K: candidates pulled from the index
	MinCandidates    int // widen the radius below this count
	OfferFanout      int // N: drivers offered simultaneously
	OfferWindow      time.Duration
	MaxMatchAttempts int
	RetryDelay       time.Duration // pause before a retry round with no candidates
	AvgSpeedKmh      float64
	Fares            trip.FarePolicy
	TripRetention    time.Duration // how long a terminal trip stays queryable in memory
}

func DefaultConfig() Config {
	return Config{
		Freshness:        geo.DefaultFreshness,
		SearchRadiusKm:   5,
		WidenedRadiusKm:  10,
		CandidateLimit:   10,
		MinCandidates:    3,
		OfferFanout:      3,
		OfferWindow:      15 * time.Second,
		MaxMatchAttempts: 3,
		RetryDelay:       2 * time.Second,
		AvgSpeedKmh:      eta.DefaultSpeedKmh,
		Fares:            trip.DefaultFarePolicy(),
		TripRetention:    time.Hour,
	}
}

type Deps struct {
	Logger    *slog.Logger
	Store     storage.TripStore
	Directory identity.Directory
	Sink      dispatch.Sink
	Positions PositionPublisher // optional
	Biller    billing.Biller    // optional
}

type Engine struct {
	cfg       Config
	logger    *slog.Logger
	geo       *geo.Index
	coord     *assign.Coordinator
	est       eta.Estimator
	store     storage.TripStore
	directory identity.Directory
	sink      dispatch.Sink
	positions PositionPublisher
	biller    billing.Biller
	avail     *availabilityRegistry

	mu             sync.RWMutex
	trips          map[string]*trip.State
	activeByDriver map[string]string // driverID -> active tripID
}

func New(cfg Config, d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Store == nil {
		d.Store = storage.NewMemoryStore()
	}
	if d.Directory == nil {
		d.Directory = identity.NewStaticDirectory()
	}
	if d.Sink == nil {
		d.Sink = nopSink{}
	}
	if d.Biller == nil {
		d.Biller = billing.NopBiller{}
	}
	e := &Engine{
		cfg:            cfg,
		logger:         d.Logger,
		est:            eta.Estimator{AvgSpeedKmh: cfg.AvgSpeedKmh},
		store:          d.Store,
		directory:      d.Directory,
		sink:           d.Sink,
		positions:      d.Positions,
		biller:         d.Biller,
		avail:          newAvailabilityRegistry(),
		trips:          make(map[string]*trip.State),
		activeByDriver: make(map[string]string),
	}
	e.geo = geo.NewIndex(cfg.Freshness, e.avail.IsAvailable)
	e.coord = assign.NewCoordinator(e.avail)
	return e
}

// ReapIndex evicts stale positions; wired to a low-priority ticker by main.
func (e *Engine) ReapIndex() int { return e.geo.Reap() }

// GoOnline verifies the driver with the identity service and makes them
// matchable at the reported position.
func (e *Engine) GoOnline(ctx context.Context, driverID string, pos models.DriverPosition) error {
	profile, err := e.directory.Lookup(ctx, driverID)
	if err != nil {
		return fmt.Errorf("driver %s: %w", driverID, err)
	}
	pos.DriverID = driverID
	if pos.ObservedAt.IsZero() {
		pos.ObservedAt = time.Now()
	}
	if err := e.geo.Upsert(pos, profile.Rating); err != nil {
		return err
	}
	if e.avail.SetOnline(driverID, profile.Rating) {
		observability.DriversOnline.Inc()
	}
	e.logger.Info("driver online", "driver_id", driverID, "rating", profile.Rating)
	return nil
}

func (e *Engine) GoOffline(_ context.Context, driverID string) {
	if e.avail.SetOffline(driverID) {
		observability.DriversOnline.Dec()
	}
	e.geo.Remove(driverID)
	e.logger.Info("driver offline", "driver_id", driverID)
}

// ReportPosition applies a position report, forwards it to the ingest
// pipeline and republishes the arrival estimate for the driver's active
// trip, if any.
func (e *Engine) ReportPosition(_ context.Context, pos models.DriverPosition) error {
	if e.avail.State(pos.DriverID) == StateOffline {
		return fmt.Errorf("%w: %s", ErrDriverOffline, pos.DriverID)
	}
	if pos.ObservedAt.IsZero() {
		pos.ObservedAt = time.Now()
	}
	if err := e.geo.Upsert(pos, e.avail.Rating(pos.DriverID)); err != nil {
		return err
	}
	observability.PositionUpdates.Inc()
	if e.positions != nil {
		if err := e.positions.PublishPosition(pos); err != nil {
			e.logger.Warn("position publish failed", "driver_id", pos.DriverID, "error", err)
		}
	}

	e.mu.RLock()
	tripID := e.activeByDriver[pos.DriverID]
	st := e.trips[tripID]
	e.mu.RUnlock()

	ev := dispatch.Event{Type: dispatch.EventPositionUpdated, DriverID: pos.DriverID, Payload: pos}
	if st != nil {
		t := st.View()
		ev.TripID = t.ID
		ev.RiderID = t.RiderID
		e.publish(ev)
		// en route to pickup before the ride starts, to the destination after
		target := t.Pickup
		if t.Status == trip.StatusStarted {
			target = t.Destination
		}
		e.publish(dispatch.Event{
			Type:     dispatch.EventETAUpdated,
			TripID:   t.ID,
			DriverID: pos.DriverID,
			RiderID:  t.RiderID,
			Payload:  e.est.Estimate(pos.Loc, target),
		})
		return nil
	}
	e.publish(ev)
	return nil
}

// RequestTrip creates a trip in the Requested state with fare and distance
// estimates, then triggers matching asynchronously.
func (e *Engine) RequestTrip(ctx context.Context, req models.TripRequest) (trip.Trip, error) {
	if err := geo.ValidateCoord(req.Pickup); err != nil {
		return trip.Trip{}, fmt.Errorf("pickup: %w", err)
	}
	if err := geo.ValidateCoord(req.Destination); err != nil {
		return trip.Trip{}, fmt.Errorf("destination: %w", err)
	}
	if _, err := e.directory.Lookup(ctx, req.RiderID); err != nil {
		return trip.Trip{}, fmt.Errorf("rider %s: %w", req.RiderID, err)
	}

	distanceKm := geo.HaversineKm(req.Pickup, req.Destination)
	st := trip.NewState(newID(), req.RiderID, req.Pickup, req.Destination, distanceKm, e.cfg.Fares, time.Now())
	t := st.View()

	e.mu.Lock()
	e.trips[t.ID] = st
	e.mu.Unlock()

	e.persist(t)
	observability.TripsRequested.Inc()
	e.publishStatus(t)
	e.logger.Info("trip requested", "trip_id", t.ID, "rider_id", t.RiderID, "fare_estimate", t.FareEstimate)

	go e.match(st)
	return t, nil
}

type offerPayload struct {
	Pickup           models.Coord `json:"pickup"`
	Destination      models.Coord `json:"destination"`
	FareEstimate     float64      `json:"fare_estimate"`
	PickupETAMinutes int          `json:"pickup_eta_minutes"`
	ExpiresAt        time.Time    `json:"expires_at"`
}

// match runs the offer loop for one trip: query, score, fan out, wait.
// It owns the trip until a driver is bound or the retry budget runs out.
func (e *Engine) match(st *trip.State) {
	t := st.View()
	started := time.Now()
	radius := e.cfg.SearchRadiusKm

	for attempt := 1; attempt <= e.cfg.MaxMatchAttempts; attempt++ {
		if st.View().Status != trip.StatusRequested {
			return // cancelled while we were matching
		}
		if attempt > 1 {
			// a requeued trip casts the wider net even if the first round
			// had candidates; they all declined or ignored the offer
			radius = e.cfg.WidenedRadiusKm
		}
		cands := e.geo.QueryNear(t.Pickup, radius, e.cfg.CandidateLimit)
		if len(cands) < e.cfg.MinCandidates && radius < e.cfg.WidenedRadiusKm {
			radius = e.cfg.WidenedRadiusKm
			cands = e.geo.QueryNear(t.Pickup, radius, e.cfg.CandidateLimit)
		}
		if len(cands) == 0 {
			e.logger.Debug("no candidates", "trip_id", t.ID, "attempt", attempt, "radius_km", radius)
			time.Sleep(e.cfg.RetryDelay)
			continue
		}

		ranked := scoring.Rank(cands, t.Pickup)
		if len(ranked) > e.cfg.OfferFanout {
			ranked = ranked[:e.cfg.OfferFanout]
		}
		ids := make([]string, len(ranked))
		for i, r := range ranked {
			ids[i] = r.DriverID
		}

		done, err := e.coord.OpenOffer(st, ids, e.cfg.OfferWindow)
		if err != nil {
			return
		}
		expiresAt := time.Now().Add(e.cfg.OfferWindow)
		for _, r := range ranked {
			pickupETA := e.est.Estimate(r.Loc, t.Pickup)
			e.publish(dispatch.Event{
				Type:     dispatch.EventTripOffered,
				TripID:   t.ID,
				DriverID: r.DriverID,
				Payload: offerPayload{
					Pickup:           t.Pickup,
					Destination:      t.Destination,
					FareEstimate:     t.FareEstimate,
					PickupETAMinutes: pickupETA.ETAMinutes,
					ExpiresAt:        expiresAt,
				},
			})
			observability.OffersIssued.Inc()
		}

		timer := time.NewTimer(e.cfg.OfferWindow)
		select {
		case winner := <-done:
			timer.Stop()
			e.assigned(st, winner, started)
			return
		case <-timer.C:
			e.coord.Expire(t.ID)
			// an acceptance can race the timer; honor it
			if winner, ok := e.coord.Winner(t.ID); ok {
				e.assigned(st, winner, started)
				return
			}
			observability.OffersExpired.Inc()
			e.logger.Info("offer window expired", "trip_id", t.ID, "attempt", attempt)
		}
	}

	e.giveUp(st)
}

// giveUp cancels a trip whose retry budget ran out. Normal termination,
// surfaced to the rider as NoDriversAvailable.
func (e *Engine) giveUp(st *trip.State) {
	done, err := st.Cancel(trip.CancelReasonNoDrivers, time.Now())
	if err != nil {
		return // assigned or cancelled at the last instant
	}
	e.coord.Close(done.ID)
	e.persist(done)
	observability.TripsCancelled.WithLabelValues(trip.CancelReasonNoDrivers).Inc()
	e.publishStatus(done)
	e.evictTerminal(done.ID)
	e.logger.Info("trip unserved", "trip_id", done.ID, "reason", done.CancelReason)
}

func (e *Engine) assigned(st *trip.State, driverID string, started time.Time) {
	t := st.View()
	e.mu.Lock()
	e.activeByDriver[driverID] = t.ID
	e.mu.Unlock()

	e.persist(t)
	observability.TripsAssigned.Inc()
	observability.MatchLatency.Observe(time.Since(started).Seconds())
	e.publish(dispatch.Event{Type: dispatch.EventTripAssigned, TripID: t.ID, DriverID: t.DriverID, RiderID: t.RiderID, Payload: t})
	e.publishStatus(t)
	e.logger.Info("trip assigned", "trip_id", t.ID, "driver_id", driverID)
}

// AcceptOffer resolves one driver's acceptance attempt. Losing the race is
// a normal outcome; the typed rejection goes back to the driver's client.
func (e *Engine) AcceptOffer(_ context.Context, tripID, driverID string) error {
	if err := e.coord.TryAssign(tripID, driverID); err != nil {
		if errors.Is(err, assign.ErrAlreadyAssigned) || errors.Is(err, assign.ErrDriverUnavailable) {
			observability.AssignRaceLoss.Inc()
		}
		e.logger.Debug("acceptance rejected", "trip_id", tripID, "driver_id", driverID, "reason", err)
		return err
	}
	return nil
}

// StartTrip moves an accepted trip into the Started state.
func (e *Engine) StartTrip(_ context.Context, tripID, driverID string) (trip.Trip, error) {
	st, err := e.tripState(tripID)
	if err != nil {
		return trip.Trip{}, err
	}
	if st.View().DriverID != driverID {
		return trip.Trip{}, ErrNotTripDriver
	}
	if err := st.Start(time.Now()); err != nil {
		return trip.Trip{}, err
	}
	t := st.View()
	e.persist(t)
	e.publishStatus(t)
	return t, nil
}

// CompleteTrip finalizes a started trip. Pass a negative actualDistanceKm
// when the traveled distance is unknown. Billing is notified asynchronously;
// completion never waits on payment.
func (e *Engine) CompleteTrip(_ context.Context, tripID, driverID string, actualDistanceKm float64) (trip.Trip, error) {
	st, err := e.tripState(tripID)
	if err != nil {
		return trip.Trip{}, err
	}
	if st.View().DriverID != driverID {
		return trip.Trip{}, ErrNotTripDriver
	}
	done, err := st.Complete(actualDistanceKm, time.Now())
	if err != nil {
		return trip.Trip{}, err
	}
	e.settle(done)
	return done, nil
}

// CancelTrip cancels on behalf of the rider. After the ride has started the
// lifecycle settles it as a completion with an en-route outcome.
func (e *Engine) CancelTrip(_ context.Context, tripID string) (trip.Trip, error) {
	st, err := e.tripState(tripID)
	if err != nil {
		return trip.Trip{}, err
	}
	done, err := st.Cancel(trip.CancelReasonRider, time.Now())
	if err != nil {
		return trip.Trip{}, err
	}
	e.coord.Close(tripID)
	if done.Status == trip.StatusCompleted {
		e.settle(done)
	} else {
		e.releaseDriver(done)
		e.persist(done)
		observability.TripsCancelled.WithLabelValues(done.CancelReason).Inc()
		e.publishStatus(done)
		e.evictTerminal(done.ID)
	}
	return done, nil
}

// Trip returns the current snapshot of a trip.
func (e *Engine) Trip(tripID string) (trip.Trip, bool) {
	e.mu.RLock()
	st, ok := e.trips[tripID]
	e.mu.RUnlock()
	if !ok {
		return trip.Trip{}, false
	}
	return st.View(), true
}

// settle records a terminal completed trip, frees the driver and hands the
// fare to billing.
func (e *Engine) settle(done trip.Trip) {
	e.coord.Close(done.ID)
	e.releaseDriver(done)
	e.persist(done)
	observability.TripsCompleted.Inc()
	e.publishStatus(done)
	e.evictTerminal(done.ID)
	e.logger.Info("trip settled", "trip_id", done.ID, "outcome", done.Outcome, "final_fare", done.FinalFare)
	go func(t trip.Trip) {
		if err := e.biller.ChargeTrip(context.Background(), t); err != nil {
			e.logger.Error("billing failed", "trip_id", t.ID, "error", err)
		}
	}(done)
}

// evictTerminal drops a terminal trip from memory once the retention
// window passes. The persisted snapshots remain the durable record; after
// eviction lookups report the trip as unknown.
func (e *Engine) evictTerminal(tripID string) {
	if e.cfg.TripRetention <= 0 {
		return
	}
	time.AfterFunc(e.cfg.TripRetention, func() {
		e.mu.Lock()
		delete(e.trips, tripID)
		e.mu.Unlock()
	})
}

func (e *Engine) releaseDriver(t trip.Trip) {
	if t.DriverID == "" {
		return
	}
	e.avail.Release(t.DriverID)
	e.mu.Lock()
	if e.activeByDriver[t.DriverID] == t.ID {
		delete(e.activeByDriver, t.DriverID)
	}
	e.mu.Unlock()
}

func (e *Engine) tripState(tripID string) (*trip.State, error) {
	e.mu.RLock()
	st, ok := e.trips[tripID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTripNotFound, tripID)
	}
	return st, nil
}

func (e *Engine) persist(t trip.Trip) {
	if err := e.store.Persist(t); err != nil {
		e.logger.Error("persist failed", "trip_id", t.ID, "status", t.Status, "error", err)
	}
}

func (e *Engine) publishStatus(t trip.Trip) {
	e.publish(dispatch.Event{
		Type:     dispatch.EventTripStatusChanged,
		TripID:   t.ID,
		DriverID: t.DriverID,
		RiderID:  t.RiderID,
		Payload:  t,
	})
}

func (e *Engine) publish(ev dispatch.Event) {
	ev.At = time.Now()
	if err := e.sink.Publish(ev); err != nil && !errors.Is(err, dispatch.ErrNoSession) {
		e.logger.Warn("event publish failed", "event", ev.Type, "trip_id", ev.TripID, "error", err)
	}
}

type nopSink struct{}

func (nopSink) Publish(dispatch.Event) error { return nil }

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
