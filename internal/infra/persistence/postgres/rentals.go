package postgres

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dragorhast/fleet/internal/domain/fleet"
)

// CreateRental implements rental.Store.
func (s *Store) CreateRental(ctx context.Context, userID int64, bike fleet.PublicKey, startTime time.Time) (int64, error) {
	var id int64
	err := s.Pool().QueryRow(ctx,
		`INSERT INTO rental (user_id, bike_key, start_time) VALUES ($1, $2, $3) RETURNING id`,
		userID, bike[:], startTime,
	).Scan(&id)
	return id, err
}

// AppendUpdate implements rental.Store.
func (s *Store) AppendUpdate(ctx context.Context, rentalID int64, update fleet.RentalUpdate) error {
	_, err := s.Pool().Exec(ctx,
		`INSERT INTO rental_update (rental_id, type, timestamp) VALUES ($1, $2, $3)`,
		rentalID, string(update.Type), update.Timestamp,
	)
	if err != nil {
		return err
	}
	if update.Type.IsTerminator() {
		_, err = s.Pool().Exec(ctx, `UPDATE rental SET end_time = $2 WHERE id = $1`, rentalID, update.Timestamp)
	}
	return err
}

// SetPrice implements rental.Store.
func (s *Store) SetPrice(ctx context.Context, rentalID int64, price decimal.Decimal) error {
	_, err := s.Pool().Exec(ctx, `UPDATE rental SET price = $2 WHERE id = $1`, rentalID, price)
	return err
}

// OpenRentals implements rental.Store: every rental whose update trail has
// not yet reached a terminator.
func (s *Store) OpenRentals(ctx context.Context) ([]fleet.Rental, error) {
	rows, err := s.Pool().Query(ctx,
		`SELECT id, user_id, bike_key, start_time FROM rental WHERE end_time IS NULL`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rentals []fleet.Rental
	for rows.Next() {
		var r fleet.Rental
		var bikeKey []byte
		if err := rows.Scan(&r.ID, &r.UserID, &bikeKey, &r.StartTime); err != nil {
			return nil, err
		}
		copy(r.BikeKey[:], bikeKey)
		updates, err := s.updatesForRental(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		r.Updates = updates
		rentals = append(rentals, r)
	}
	return rentals, rows.Err()
}

// UpdatesSince implements rental.Store, joining each update with its owning
// rental's user, bike, and price so a replay carries real data rather than
// zero values.
func (s *Store) UpdatesSince(ctx context.Context, since time.Time) ([]fleet.RentalUpdateRecord, error) {
	rows, err := s.Pool().Query(ctx,
		`SELECT u.rental_id, u.type, u.timestamp, r.user_id, r.bike_key, r.price
		 FROM rental_update u JOIN rental r ON r.id = u.rental_id
		 WHERE u.timestamp >= $1
		 ORDER BY u.timestamp ASC`,
		since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []fleet.RentalUpdateRecord
	for rows.Next() {
		var u fleet.RentalUpdateRecord
		var kind string
		var bikeKey []byte
		var price *decimal.Decimal
		if err := rows.Scan(&u.RentalID, &kind, &u.Timestamp, &u.UserID, &bikeKey, &price); err != nil {
			return nil, err
		}
		u.Type = fleet.RentalUpdateType(kind)
		copy(u.BikeKey[:], bikeKey)
		if price != nil {
			f, _ := price.Float64()
			u.Price = &f
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

func (s *Store) updatesForRental(ctx context.Context, rentalID int64) ([]fleet.RentalUpdate, error) {
	rows, err := s.Pool().Query(ctx,
		`SELECT rental_id, type, timestamp FROM rental_update WHERE rental_id = $1 ORDER BY timestamp ASC`,
		rentalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []fleet.RentalUpdate
	for rows.Next() {
		var u fleet.RentalUpdate
		var kind string
		if err := rows.Scan(&u.RentalID, &kind, &u.Timestamp); err != nil {
			return nil, err
		}
		u.Type = fleet.RentalUpdateType(kind)
		updates = append(updates, u)
	}
	return updates, rows.Err()
}
