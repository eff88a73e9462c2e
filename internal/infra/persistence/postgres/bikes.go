package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/dragorhast/fleet/internal/domain/fleet"
)

// IsRegistered implements session.Registry: it reports whether a public key
// belongs to a bike in circulation.
func (s *Store) IsRegistered(ctx context.Context, key fleet.PublicKey) (bool, error) {
	var inCirculation bool
	err := s.Pool().QueryRow(ctx,
		`SELECT in_circulation FROM bike WHERE public_key = $1`, key[:],
	).Scan(&inCirculation)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inCirculation, nil
}

// RecordLocationUpdate implements session.Registry: it persists one
// location_update row for key.
func (s *Store) RecordLocationUpdate(ctx context.Context, key fleet.PublicKey, loc fleet.Location) error {
	_, err := s.Pool().Exec(ctx,
		`INSERT INTO location_update (bike_key, lat, long, pickup_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5)`,
		key[:], loc.Point.Lat, loc.Point.Long, loc.PickupID, loc.Timestamp,
	)
	return err
}

// RegisterBike inserts a new bike record, or is a no-op if one already
// exists for the given public key.
func (s *Store) RegisterBike(ctx context.Context, bike fleet.Bike) error {
	_, err := s.Pool().Exec(ctx,
		`INSERT INTO bike (public_key, in_circulation, registered_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (public_key) DO NOTHING`,
		bike.PublicKey[:], bike.InCirculation, bike.RegisteredAt,
	)
	return err
}
