// Package memstore is an in-memory implementation of every persistence
// interface the application layer depends on (rental.Store,
// reservation.Store, session.Registry, session.PickupIndex,
// reservation.Pickups), used by cmd/fleetd when no database DSN is
// configured or Postgres cannot be reached.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dragorhast/fleet/errs"
	"github.com/dragorhast/fleet/internal/domain/fleet"
	"github.com/dragorhast/fleet/internal/domain/geo"
)

// Store holds every fleet entity table in memory behind one mutex; it is
// not optimised for concurrency, only for being a faithful, simple stand-in
// for the postgres implementation.
type Store struct {
	mu sync.Mutex

	bikes        map[fleet.PublicKey]fleet.Bike
	pickups      map[int64]fleet.PickupPoint
	rentals      map[int64]*fleet.Rental
	reservations map[int64]*fleet.Reservation
	users        map[string]*fleet.User
	nextRentalID int64
	nextResvID   int64
	nextUserID   int64
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		bikes:        make(map[fleet.PublicKey]fleet.Bike),
		pickups:      make(map[int64]fleet.PickupPoint),
		rentals:      make(map[int64]*fleet.Rental),
		reservations: make(map[int64]*fleet.Reservation),
		users:        make(map[string]*fleet.User),
	}
}

// ResolveUser maps an external identity token to an internal user record,
// creating one on first sight.
func (s *Store) ResolveUser(_ context.Context, externalID, name, email string) (fleet.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[externalID]; ok {
		return *u, nil
	}
	s.nextUserID++
	u := &fleet.User{ID: s.nextUserID, ExternalID: externalID, Name: name, Email: email}
	s.users[externalID] = u
	return *u, nil
}

// RegisterBike adds a bike to the store, marking it in circulation.
func (s *Store) RegisterBike(_ context.Context, bike fleet.Bike) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bikes[bike.PublicKey] = bike
	return nil
}

// RegisterPickup adds a pickup point to the store.
func (s *Store) RegisterPickup(_ context.Context, pickup fleet.PickupPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pickups[pickup.ID] = pickup
}

// IsRegistered implements session.Registry.
func (s *Store) IsRegistered(_ context.Context, key fleet.PublicKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bike, ok := s.bikes[key]
	return ok && bike.InCirculation, nil
}

// RecordLocationUpdate implements session.Registry. memstore does not keep a
// durable location trail; the bike session layer's in-memory registry is
// already the authority for "most recent location" at runtime.
func (s *Store) RecordLocationUpdate(context.Context, fleet.PublicKey, fleet.Location) error {
	return nil
}

// ByID implements reservation.Pickups.
func (s *Store) ByID(_ context.Context, id int64) (fleet.PickupPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pickup, ok := s.pickups[id]
	if !ok {
		return fleet.PickupPoint{}, errs.NoBikes()
	}
	return pickup, nil
}

// Containing implements session.PickupIndex.
func (s *Store) Containing(_ context.Context, p geo.Point) (*fleet.PickupPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pickup := range s.pickups {
		if pickup.Area.Contains(p) {
			found := pickup
			return &found, nil
		}
	}
	return nil, nil
}

// CreateRental implements rental.Store.
func (s *Store) CreateRental(_ context.Context, userID int64, bike fleet.PublicKey, startTime time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRentalID++
	id := s.nextRentalID
	s.rentals[id] = &fleet.Rental{ID: id, UserID: userID, BikeKey: bike, StartTime: startTime}
	return id, nil
}

// AppendUpdate implements rental.Store.
func (s *Store) AppendUpdate(_ context.Context, rentalID int64, update fleet.RentalUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rentals[rentalID]
	if !ok {
		return errs.InactiveRental()
	}
	r.Updates = append(r.Updates, update)
	if update.Type.IsTerminator() {
		end := update.Timestamp
		r.EndTime = &end
	}
	return nil
}

// SetPrice implements rental.Store.
func (s *Store) SetPrice(_ context.Context, rentalID int64, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rentals[rentalID]
	if !ok {
		return errs.InactiveRental()
	}
	p, _ := price.Float64()
	r.Price = &p
	return nil
}

// OpenRentals implements rental.Store.
func (s *Store) OpenRentals(context.Context) ([]fleet.Rental, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []fleet.Rental
	for _, r := range s.rentals {
		if r.IsOpen() {
			open = append(open, *r)
		}
	}
	return open, nil
}

// UpdatesSince implements rental.Store, joining each update with its owning
// rental's user, bike, and price, and returning them in chronological order.
func (s *Store) UpdatesSince(_ context.Context, since time.Time) ([]fleet.RentalUpdateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updates []fleet.RentalUpdateRecord
	for _, r := range s.rentals {
		for _, u := range r.Updates {
			if !u.Timestamp.Before(since) {
				updates = append(updates, fleet.RentalUpdateRecord{
					RentalUpdate: u,
					UserID:       r.UserID,
					BikeKey:      r.BikeKey,
					Price:        r.Price,
				})
			}
		}
	}
	sort.Slice(updates, func(i, j int) bool {
		return updates[i].Timestamp.Before(updates[j].Timestamp)
	})
	return updates, nil
}

// CreateReservation implements reservation.Store.
func (s *Store) CreateReservation(_ context.Context, userID, pickupID int64, forTime time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextResvID++
	id := s.nextResvID
	s.reservations[id] = &fleet.Reservation{ID: id, UserID: userID, PickupID: pickupID, ReservedFor: forTime}
	return id, nil
}

// SetOutcome implements reservation.Store.
func (s *Store) SetOutcome(_ context.Context, reservationID int64, outcome fleet.ReservationOutcome, endedAt time.Time, claimedRental *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return errs.OutsideWindow()
	}
	r.Outcome = &outcome
	r.EndedAt = &endedAt
	r.ClaimedRental = claimedRental
	return nil
}

// OpenReservations implements reservation.Store.
func (s *Store) OpenReservations(context.Context) ([]fleet.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []fleet.Reservation
	for _, r := range s.reservations {
		if r.IsOpen() {
			open = append(open, *r)
		}
	}
	return open, nil
}
