package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"trip-tracker/internal/engine"
	"trip-tracker/internal/itinerary"
	"trip-tracker/internal/session"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS itinerary_steps (
  trip_id TEXT NOT NULL,
  step_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  place_name TEXT NOT NULL DEFAULT '',
  activity_type TEXT NOT NULL DEFAULT '',
  lat DOUBLE PRECISION NOT NULL,
  lng DOUBLE PRECISION NOT NULL,
  scheduled_start_ms BIGINT,
  scheduled_end_ms BIGINT,
  PRIMARY KEY (trip_id, step_id)
)`,
	`CREATE TABLE IF NOT EXISTS trip_locations (
  trip_id TEXT NOT NULL,
  user_email TEXT NOT NULL,
  step_id TEXT NOT NULL DEFAULT '',
  activity_type TEXT NOT NULL DEFAULT '',
  place_name TEXT NOT NULL DEFAULT '',
  latitude DOUBLE PRECISION NOT NULL,
  longitude DOUBLE PRECISION NOT NULL,
  accuracy DOUBLE PRECISION,
  source TEXT NOT NULL DEFAULT '',
  recorded_at_ms BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS trip_locations_trip_idx ON trip_locations (trip_id, user_email, recorded_at_ms)`,
	`CREATE TABLE IF NOT EXISTS step_statuses (
  trip_id TEXT NOT NULL,
  step_id TEXT NOT NULL,
  user_email TEXT NOT NULL,
  activity_type TEXT NOT NULL DEFAULT '',
  place_name TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  delta_minutes DOUBLE PRECISION,
  actual_arrival_ms BIGINT,
  phase TEXT NOT NULL,
  performing BOOLEAN NOT NULL DEFAULT FALSE,
  updated_at_ms BIGINT NOT NULL,
  PRIMARY KEY (trip_id, step_id)
)`,
	`CREATE TABLE IF NOT EXISTS trip_notification_flags (
  trip_id TEXT NOT NULL,
  flag TEXT NOT NULL,
  PRIMARY KEY (trip_id, flag)
)`,
}

// Store persists tracking output and itinerary steps. It works on Postgres
// (pgx) and SQLite with the same SQL.
type Store struct {
	db     *sql.DB
	driver string
}

func NewStore(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

func (s *Store) q(query string) string { return rebind(s.driver, query) }

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}
	return nil
}

func (s *Store) SaveTripLocation(ctx context.Context, rec session.LocationRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO trip_locations (trip_id, user_email, step_id, activity_type, place_name, latitude, longitude, accuracy, source, recorded_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.TripID, rec.UserEmail, rec.StepID, rec.ActivityType, rec.PlaceName,
		rec.Latitude, rec.Longitude, nullFloat(rec.Accuracy), rec.Source, rec.Timestamp.UnixMilli())
	return errors.Wrap(err, "insert trip location")
}

// SaveStepStatus upserts the status of a step. A record older than the stored
// one is ignored so writes that land out of order cannot roll a step back.
func (s *Store) SaveStepStatus(ctx context.Context, rec session.StepStatusRecord) error {
	var arrival sql.NullInt64
	if rec.ActualArrivalTime != nil {
		arrival = sql.NullInt64{Int64: rec.ActualArrivalTime.UnixMilli(), Valid: true}
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO step_statuses (trip_id, step_id, user_email, activity_type, place_name, status, delta_minutes, actual_arrival_ms, phase, performing, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (trip_id, step_id) DO UPDATE SET
  user_email = excluded.user_email,
  activity_type = excluded.activity_type,
  place_name = excluded.place_name,
  status = excluded.status,
  delta_minutes = excluded.delta_minutes,
  actual_arrival_ms = excluded.actual_arrival_ms,
  phase = excluded.phase,
  performing = excluded.performing,
  updated_at_ms = excluded.updated_at_ms
WHERE step_statuses.updated_at_ms <= excluded.updated_at_ms`),
		rec.TripID, rec.StepID, rec.UserEmail, rec.ActivityType, rec.PlaceName,
		string(rec.Status), nullFloat(rec.DeltaMinutes), arrival, string(rec.Phase), rec.Performing, updated.UnixMilli())
	return errors.Wrap(err, "upsert step status")
}

func (s *Store) ClearTripNotificationFlags(ctx context.Context, tripID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM trip_notification_flags WHERE trip_id = ?`), tripID)
	return errors.Wrap(err, "clear notification flags")
}

// Locations returns the pings userEmail recorded on a trip, oldest first.
func (s *Store) Locations(ctx context.Context, tripID, userEmail string) ([]session.LocationRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT trip_id, user_email, step_id, activity_type, place_name, latitude, longitude, accuracy, source, recorded_at_ms
FROM trip_locations WHERE trip_id = ? AND user_email = ? ORDER BY recorded_at_ms`), tripID, userEmail)
	if err != nil {
		return nil, errors.Wrap(err, "query trip locations")
	}
	defer rows.Close()
	var out []session.LocationRecord
	for rows.Next() {
		var (
			rec      session.LocationRecord
			accuracy sql.NullFloat64
			at       int64
		)
		if err := rows.Scan(&rec.TripID, &rec.UserEmail, &rec.StepID, &rec.ActivityType, &rec.PlaceName,
			&rec.Latitude, &rec.Longitude, &accuracy, &rec.Source, &at); err != nil {
			return nil, err
		}
		rec.Accuracy = floatPtr(accuracy)
		rec.Timestamp = time.UnixMilli(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StepStatuses returns the last status userEmail wrote for every step of a trip.
func (s *Store) StepStatuses(ctx context.Context, tripID, userEmail string) ([]session.StepStatusRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT trip_id, step_id, user_email, activity_type, place_name, status, delta_minutes, actual_arrival_ms, phase, performing, updated_at_ms
FROM step_statuses WHERE trip_id = ? AND user_email = ? ORDER BY step_id`), tripID, userEmail)
	if err != nil {
		return nil, errors.Wrap(err, "query step statuses")
	}
	defer rows.Close()
	var out []session.StepStatusRecord
	for rows.Next() {
		var (
			rec           session.StepStatusRecord
			status, phase string
			delta         sql.NullFloat64
			arrival       sql.NullInt64
			updated       int64
		)
		if err := rows.Scan(&rec.TripID, &rec.StepID, &rec.UserEmail, &rec.ActivityType, &rec.PlaceName,
			&status, &delta, &arrival, &phase, &rec.Performing, &updated); err != nil {
			return nil, err
		}
		rec.Status = engine.Status(status)
		rec.Phase = engine.Phase(phase)
		rec.DeltaMinutes = floatPtr(delta)
		if arrival.Valid {
			t := time.UnixMilli(arrival.Int64)
			rec.ActualArrivalTime = &t
		}
		rec.UpdatedAt = time.UnixMilli(updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Steps returns the itinerary of a trip ordered by scheduled start.
func (s *Store) Steps(ctx context.Context, tripID string) ([]itinerary.Step, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT step_id, place_name, activity_type, lat, lng, scheduled_start_ms, scheduled_end_ms
FROM itinerary_steps WHERE trip_id = ? ORDER BY seq`), tripID)
	if err != nil {
		return nil, errors.Wrap(err, "query itinerary steps")
	}
	defer rows.Close()
	var steps []itinerary.Step
	for rows.Next() {
		var (
			st         itinerary.Step
			start, end sql.NullInt64
		)
		if err := rows.Scan(&st.StepID, &st.PlaceName, &st.ActivityType, &st.Lat, &st.Lng, &start, &end); err != nil {
			return nil, err
		}
		if start.Valid {
			st.ScheduledStart = time.UnixMilli(start.Int64)
		}
		if end.Valid {
			st.ScheduledEnd = time.UnixMilli(end.Int64)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, errors.Wrapf(itinerary.ErrUnknownTrip, "trip %q", tripID)
	}
	itinerary.SortByStart(steps)
	return steps, nil
}

// ReplaceSteps swaps the stored itinerary of a trip in one transaction.
func (s *Store) ReplaceSteps(ctx context.Context, tripID string, steps []itinerary.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM itinerary_steps WHERE trip_id = ?`), tripID); err != nil {
		return errors.Wrap(err, "delete steps")
	}
	ins := s.q(`
INSERT INTO itinerary_steps (trip_id, step_id, seq, place_name, activity_type, lat, lng, scheduled_start_ms, scheduled_end_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, st := range steps {
		if _, err := tx.ExecContext(ctx, ins, tripID, st.StepID, i, st.PlaceName, st.ActivityType, st.Lat, st.Lng,
			nullMillis(st.ScheduledStart), nullMillis(st.ScheduledEnd)); err != nil {
			return errors.Wrapf(err, "insert step %s", st.StepID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	f := n.Float64
	return &f
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
