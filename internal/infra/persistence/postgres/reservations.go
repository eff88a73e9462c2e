package postgres

import (
	"context"
	"time"

	"github.com/dragorhast/fleet/internal/domain/fleet"
)

// CreateReservation implements reservation.Store.
func (s *Store) CreateReservation(ctx context.Context, userID, pickupID int64, forTime time.Time) (int64, error) {
	var id int64
	err := s.Pool().QueryRow(ctx,
		`INSERT INTO reservation (user_id, pickup_id, reserved_for) VALUES ($1, $2, $3) RETURNING id`,
		userID, pickupID, forTime,
	).Scan(&id)
	return id, err
}

// SetOutcome implements reservation.Store.
func (s *Store) SetOutcome(ctx context.Context, reservationID int64, outcome fleet.ReservationOutcome, endedAt time.Time, claimedRental *int64) error {
	_, err := s.Pool().Exec(ctx,
		`UPDATE reservation SET outcome = $2, ended_at = $3, claimed_rental = $4 WHERE id = $1`,
		reservationID, string(outcome), endedAt, claimedRental,
	)
	return err
}

// OpenReservations implements reservation.Store.
func (s *Store) OpenReservations(ctx context.Context) ([]fleet.Reservation, error) {
	rows, err := s.Pool().Query(ctx,
		`SELECT id, user_id, pickup_id, reserved_for FROM reservation WHERE outcome IS NULL`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var open []fleet.Reservation
	for rows.Next() {
		var r fleet.Reservation
		if err := rows.Scan(&r.ID, &r.UserID, &r.PickupID, &r.ReservedFor); err != nil {
			return nil, err
		}
		open = append(open, r)
	}
	return open, rows.Err()
}
