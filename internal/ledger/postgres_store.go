package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/cab-dispatch/internal/models"
)

// PostgresStore keeps cabs and trips in Postgres. Availability and status
// transitions are conditional UPDATEs inside one transaction, so losing a race
// shows up as zero affected rows rather than a double booking.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens and pings a lib/pq connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

const cabColumns = `id, name, phone, email, lat, lng, town, postal_code, availability, COALESCE(active_trip_id, ''), version, updated_at`

const tripColumns = `id, cab_id, rider_id, pickup_lat, pickup_lng, dest_lat, dest_lng, start_lat, start_lng, status, created_at, started_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCab(row rowScanner) (models.Cab, error) {
	var c models.Cab
	var availability string
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.Position.Lat, &c.Position.Lng,
		&c.Locality.Town, &c.Locality.PostalCode, &availability, &c.ActiveTripID, &c.Version, &c.UpdatedAt)
	c.Availability = models.Availability(availability)
	return c, err
}

func scanTrip(row rowScanner) (models.Trip, error) {
	var t models.Trip
	var status string
	var started, ended sql.NullTime
	err := row.Scan(&t.ID, &t.CabID, &t.RiderID, &t.Pickup.Lat, &t.Pickup.Lng,
		&t.Destination.Lat, &t.Destination.Lng, &t.CabStart.Lat, &t.CabStart.Lng,
		&status, &t.CreatedAt, &started, &ended)
	t.Status = models.TripStatus(status)
	t.StartedAt = toTimePtr(started)
	t.EndedAt = toTimePtr(ended)
	return t, err
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func (p *PostgresStore) InsertCab(ctx context.Context, c models.Cab) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cabs (id, name, phone, email, lat, lng, town, postal_code, availability, version, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.Name, c.Phone, c.Email, c.Position.Lat, c.Position.Lng,
		c.Locality.Town, c.Locality.PostalCode, string(c.Availability), c.Version, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert cab: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetCab(ctx context.Context, id string) (models.Cab, error) {
	c, err := scanCab(p.db.QueryRowContext(ctx, `SELECT `+cabColumns+` FROM cabs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Cab{}, ErrCabNotFound
	}
	if err != nil {
		return models.Cab{}, fmt.Errorf("get cab: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) ListCabs(ctx context.Context, filter models.AvailabilityFilter) ([]models.Cab, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+cabColumns+` FROM cabs
		WHERE ($1 = '' OR availability = $1)
		ORDER BY id`, string(filter))
	if err != nil {
		return nil, fmt.Errorf("list cabs: %w", err)
	}
	defer rows.Close()
	out := make([]models.Cab, 0)
	for rows.Next() {
		c, err := scanCab(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cab: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdatePosition(ctx context.Context, cabID string, pos models.Position, at time.Time) (models.Cab, error) {
	c, err := scanCab(p.db.QueryRowContext(ctx, `
		UPDATE cabs SET lat = $2, lng = $3, version = version + 1, updated_at = $4
		WHERE id = $1
		RETURNING `+cabColumns, cabID, pos.Lat, pos.Lng, at))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Cab{}, ErrCabNotFound
	}
	if err != nil {
		return models.Cab{}, fmt.Errorf("update position: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) Reserve(ctx context.Context, t models.Trip) (models.Trip, models.Cab, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Trip{}, models.Cab{}, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	c, err := scanCab(tx.QueryRowContext(ctx, `
		UPDATE cabs SET availability = 'booked', active_trip_id = $2, version = version + 1, updated_at = $3
		WHERE id = $1 AND availability = 'available'
		RETURNING `+cabColumns, t.CabID, t.ID, t.CreatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM cabs WHERE id = $1)`, t.CabID).Scan(&exists); err != nil {
			return models.Trip{}, models.Cab{}, fmt.Errorf("check cab: %w", err)
		}
		if !exists {
			return models.Trip{}, models.Cab{}, ErrCabNotFound
		}
		return models.Trip{}, models.Cab{}, ErrCabUnavailable
	}
	if err != nil {
		return models.Trip{}, models.Cab{}, fmt.Errorf("book cab: %w", err)
	}

	t.CabStart = c.Position
	_, err = tx.ExecContext(ctx, `
		INSERT INTO trips (id, cab_id, rider_id, pickup_lat, pickup_lng, dest_lat, dest_lng, start_lat, start_lng, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.CabID, t.RiderID, t.Pickup.Lat, t.Pickup.Lng, t.Destination.Lat, t.Destination.Lng,
		t.CabStart.Lat, t.CabStart.Lng, string(t.Status), t.CreatedAt)
	if err != nil {
		return models.Trip{}, models.Cab{}, fmt.Errorf("insert trip: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Trip{}, models.Cab{}, fmt.Errorf("commit reserve: %w", err)
	}
	return t, c, nil
}

func (p *PostgresStore) FinishTrip(ctx context.Context, tripID string, from []models.TripStatus, to models.TripStatus, final *models.Position, at time.Time) (models.Trip, models.Cab, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Trip{}, models.Cab{}, fmt.Errorf("begin finish: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}
	t, err := scanTrip(tx.QueryRowContext(ctx, `
		UPDATE trips SET status = $2, ended_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+tripColumns, tripID, string(to), at, pq.Array(statuses)))
	if errors.Is(err, sql.ErrNoRows) {
		current, gerr := scanTrip(tx.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, tripID))
		if errors.Is(gerr, sql.ErrNoRows) {
			return models.Trip{}, models.Cab{}, ErrTripNotFound
		}
		if gerr != nil {
			return models.Trip{}, models.Cab{}, fmt.Errorf("get trip: %w", gerr)
		}
		return current, models.Cab{}, errWrongState
	}
	if err != nil {
		return models.Trip{}, models.Cab{}, fmt.Errorf("finish trip: %w", err)
	}

	var lat, lng sql.NullFloat64
	if final != nil {
		lat = sql.NullFloat64{Float64: final.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: final.Lng, Valid: true}
	}
	c, err := scanCab(tx.QueryRowContext(ctx, `
		UPDATE cabs SET
			availability = CASE WHEN active_trip_id = $2 THEN 'available' ELSE availability END,
			active_trip_id = CASE WHEN active_trip_id = $2 THEN NULL ELSE active_trip_id END,
			lat = COALESCE($3, lat),
			lng = COALESCE($4, lng),
			version = version + 1,
			updated_at = $5
		WHERE id = $1
		RETURNING `+cabColumns, t.CabID, tripID, lat, lng, at))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, models.Cab{}, fmt.Errorf("release cab: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Trip{}, models.Cab{}, fmt.Errorf("commit finish: %w", err)
	}
	return t, c, nil
}

func (p *PostgresStore) StartTrip(ctx context.Context, tripID string, at time.Time) (models.Trip, bool, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `
		UPDATE trips SET status = 'in_progress', started_at = $2
		WHERE id = $1 AND status = 'booked'
		RETURNING `+tripColumns, tripID, at))
	if errors.Is(err, sql.ErrNoRows) {
		current, gerr := p.GetTrip(ctx, tripID)
		if gerr != nil {
			return models.Trip{}, false, gerr
		}
		return current, false, nil
	}
	if err != nil {
		return models.Trip{}, false, fmt.Errorf("start trip: %w", err)
	}
	return t, true, nil
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, ErrTripNotFound
	}
	if err != nil {
		return models.Trip{}, fmt.Errorf("get trip: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) ActiveTripForRider(ctx context.Context, riderID string) (models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE rider_id = $1 AND status IN ('booked', 'in_progress')
		ORDER BY created_at DESC
		LIMIT 1`, riderID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, ErrTripNotFound
	}
	if err != nil {
		return models.Trip{}, fmt.Errorf("active trip: %w", err)
	}
	return t, nil
}
