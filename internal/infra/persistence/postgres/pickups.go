package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/dragorhast/fleet/errs"
	"github.com/dragorhast/fleet/internal/domain/fleet"
	"github.com/dragorhast/fleet/internal/domain/geo"
)

// ByID implements reservation.Pickups.
func (s *Store) ByID(ctx context.Context, id int64) (fleet.PickupPoint, error) {
	var name string
	var lats, longs []float64
	err := s.Pool().QueryRow(ctx,
		`SELECT name, area_lat, area_long FROM pickup_point WHERE id = $1`, id,
	).Scan(&name, &lats, &longs)
	if err == pgx.ErrNoRows {
		return fleet.PickupPoint{}, errs.NoBikes()
	}
	if err != nil {
		return fleet.PickupPoint{}, err
	}
	return fleet.PickupPoint{ID: id, Name: name, Area: ringFromArrays(lats, longs)}, nil
}

// Containing implements session.PickupIndex: it returns the first pickup
// point (by id) whose polygon contains p, or nil if none does.
func (s *Store) Containing(ctx context.Context, p geo.Point) (*fleet.PickupPoint, error) {
	rows, err := s.Pool().Query(ctx, `SELECT id, name, area_lat, area_long FROM pickup_point ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		var lats, longs []float64
		if err := rows.Scan(&id, &name, &lats, &longs); err != nil {
			return nil, err
		}
		pickup := fleet.PickupPoint{ID: id, Name: name, Area: ringFromArrays(lats, longs)}
		if pickup.Area.Contains(p) {
			return &pickup, nil
		}
	}
	return nil, rows.Err()
}

func ringFromArrays(lats, longs []float64) geo.Polygon {
	n := len(lats)
	if len(longs) < n {
		n = len(longs)
	}
	points := make([]geo.Point, n)
	for i := 0; i < n; i++ {
		points[i] = geo.Point{Lat: lats[i], Long: longs[i]}
	}
	return geo.Polygon{Rings: points}
}
