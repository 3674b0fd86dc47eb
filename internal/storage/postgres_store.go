package storage

import (
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/example/dispatch-engine/internal/trip"
)

// PostgresStore appends trip snapshots to an event table. Each transition
// becomes one row; the historical record is reconstructed downstream, not
// read by the engine.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Persist(t trip.Trip) error {
	_, err := p.db.Exec(`INSERT INTO trip_events(
		trip_id, rider_id, driver_id, status, outcome, cancel_reason,
		pickup_lat, pickup_lon, dest_lat, dest_lon,
		distance_estimate_km, fare_estimate, final_distance_km, final_fare,
		requested_at, accepted_at, started_at, completed_at, cancelled_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		t.ID, t.RiderID, nullString(t.DriverID), string(t.Status), nullString(string(t.Outcome)), nullString(t.CancelReason),
		t.Pickup.Lat, t.Pickup.Lon, t.Destination.Lat, t.Destination.Lon,
		t.DistanceEstimateKm, t.FareEstimate, t.FinalDistanceKm, t.FinalFare,
		t.RequestedAt, t.AcceptedAt, t.StartedAt, t.CompletedAt, t.CancelledAt)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
