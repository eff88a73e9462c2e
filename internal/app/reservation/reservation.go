// Package reservation implements slot accounting over pickup points:
// reserving a future pickup, claiming it within the claim window, and
// cancelling or expiring it.
package reservation

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/dragorhast/fleet/errs"
	"github.com/dragorhast/fleet/internal/domain/fleet"
	"github.com/dragorhast/fleet/internal/domain/geo"
	"github.com/dragorhast/fleet/internal/events"
)

// MinimumLead is the minimum notice a reservation must give for the manager
// to skip the present-supply check.
const MinimumLead = 3 * time.Hour

// ClaimWindow is the symmetric window around ReservedFor during which a
// reservation may be claimed.
const ClaimWindow = time.Hour

// Pickups resolves pickup point records by id.
type Pickups interface {
	ByID(ctx context.Context, id int64) (fleet.PickupPoint, error)
}

// Bikes is the subset of the bike session layer the reservation manager
// consults for supply.
type Bikes interface {
	BikesIn(area geo.Polygon) []fleet.PublicKey
	MostRecentLocation(bike fleet.PublicKey) (fleet.Location, bool)
}

// Rentals is the subset of the rental manager the reservation manager
// delegates to on claim.
type Rentals interface {
	AvailableBikes(candidates []fleet.PublicKey) []fleet.PublicKey
	Start(ctx context.Context, userID int64, bike fleet.PublicKey) (fleet.Rental, *fleet.Location, error)
}

// Store is the persistence boundary the reservation manager writes through.
type Store interface {
	CreateReservation(ctx context.Context, userID, pickupID int64, forTime time.Time) (int64, error)
	SetOutcome(ctx context.Context, reservationID int64, outcome fleet.ReservationOutcome, endedAt time.Time, claimedRental *int64) error
	OpenReservations(ctx context.Context) ([]fleet.Reservation, error)
}

// Manager owns the pickup_id -> open-reservation-set state.
type Manager struct {
	store   Store
	pickups Pickups
	bikes   Bikes
	rentals Rentals
	hub     *events.Hub

	mu       sync.Mutex
	byID     map[int64]*fleet.Reservation
	byUser   map[int64]int64          // user id -> reservation id
	byPickup map[int64]map[int64]bool // pickup id -> reservation id -> present
}

// Config carries the Manager's constructor dependencies.
type Config struct {
	Store   Store
	Pickups Pickups
	Bikes   Bikes
	Rentals Rentals
	Hub     *events.Hub
}

// New builds a Manager.
func New(cfg Config) *Manager {
	return &Manager{
		store:    cfg.Store,
		pickups:  cfg.Pickups,
		bikes:    cfg.Bikes,
		rentals:  cfg.Rentals,
		hub:      cfg.Hub,
		byID:     make(map[int64]*fleet.Reservation),
		byUser:   make(map[int64]int64),
		byPickup: make(map[int64]map[int64]bool),
	}
}

// availableAt returns the bikes at pickup that are connected and not
// currently rented.
func (m *Manager) availableAt(ctx context.Context, pickup fleet.PickupPoint) []fleet.PublicKey {
	present := m.bikes.BikesIn(pickup.Area)
	return m.rentals.AvailableBikes(present)
}

// openCountAt returns the number of open reservations already recorded for
// pickupID whose pickup time is near enough (within MinimumLead) that they
// are expected to be backed by bikes already present. Far-term reservations
// are sourced later by the reservation sourcer and do not count against
// present supply yet.
func (m *Manager) openCountAt(pickupID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id := range m.byPickup[pickupID] {
		if res, ok := m.byID[id]; ok && time.Until(res.ReservedFor) < MinimumLead {
			count++
		}
	}
	return count
}

// Reserve opens a reservation for user at pickup for forTime. If forTime is
// less than MinimumLead away, the pickup must currently have more available
// bikes than open reservations, or InsufficientSupply is returned.
func (m *Manager) Reserve(ctx context.Context, userID, pickupID int64, forTime time.Time) (fleet.Reservation, error) {
	m.mu.Lock()
	existing, hasOpen := m.byUser[userID]
	m.mu.Unlock()
	if hasOpen {
		return fleet.Reservation{}, errs.ReservationExists(existing)
	}

	pickup, err := m.pickups.ByID(ctx, pickupID)
	if err != nil {
		return fleet.Reservation{}, err
	}

	if time.Until(forTime) < MinimumLead {
		available := len(m.availableAt(ctx, pickup))
		if available <= m.openCountAt(pickupID) {
			return fleet.Reservation{}, errs.InsufficientSupply()
		}
	}

	id, err := m.store.CreateReservation(ctx, userID, pickupID, forTime)
	if err != nil {
		return fleet.Reservation{}, err
	}

	res := fleet.Reservation{ID: id, UserID: userID, PickupID: pickupID, ReservedFor: forTime}

	m.mu.Lock()
	m.byID[id] = &res
	m.byUser[userID] = id
	if m.byPickup[pickupID] == nil {
		m.byPickup[pickupID] = make(map[int64]bool)
	}
	m.byPickup[pickupID][id] = true
	m.mu.Unlock()

	if m.hub != nil {
		m.hub.Emit("reservation_opened", pickupID, userID, forTime)
	}
	return res, nil
}

// Claim converts an open reservation into a rental. If bike is nil a bike
// is chosen from the pickup's available bikes (the selection policy is a
// fairness choice, not a correctness one).
func (m *Manager) Claim(ctx context.Context, reservationID int64, bike *fleet.PublicKey) (fleet.Rental, *fleet.Location, error) {
	m.mu.Lock()
	res, ok := m.byID[reservationID]
	m.mu.Unlock()
	if !ok || !res.IsOpen() {
		// Claim assumes its caller already resolved reservationID to an open
		// record; an unknown or already-closed id is treated the same as a
		// window miss since there is no distinct "no such reservation" kind.
		return fleet.Rental{}, nil, errs.OutsideWindow()
	}

	now := time.Now()
	windowStart := res.ReservedFor.Add(-ClaimWindow / 2)
	windowEnd := res.ReservedFor.Add(ClaimWindow / 2)
	if now.Before(windowStart) || now.After(windowEnd) {
		return fleet.Rental{}, nil, errs.OutsideWindow()
	}

	pickup, err := m.pickups.ByID(ctx, res.PickupID)
	if err != nil {
		return fleet.Rental{}, nil, err
	}

	chosen := bike
	if chosen == nil {
		available := m.availableAt(ctx, pickup)
		if len(available) == 0 {
			return fleet.Rental{}, nil, errs.NoBikes()
		}
		pick := available[rand.Intn(len(available))]
		chosen = &pick
	}

	loc, ok := m.bikes.MostRecentLocation(*chosen)
	if !ok || !pickup.Area.Contains(loc.Point) {
		return fleet.Rental{}, nil, errs.WrongPickup()
	}

	rental, startLoc, err := m.rentals.Start(ctx, res.UserID, *chosen)
	if err != nil {
		// A concurrent rental may have won the race for this bike; the
		// rental manager's own CurrentlyRented/ActiveRental surfaces here
		// unchanged.
		return fleet.Rental{}, nil, err
	}

	claimedID := rental.ID
	if err := m.store.SetOutcome(ctx, reservationID, fleet.ReservationClaimed, time.Now(), &claimedID); err != nil {
		return fleet.Rental{}, nil, err
	}

	m.mu.Lock()
	outcome := fleet.ReservationClaimed
	endedAt := time.Now()
	res.Outcome = &outcome
	res.EndedAt = &endedAt
	res.ClaimedRental = &claimedID
	m.removeFromPickupLocked(res.PickupID, reservationID)
	delete(m.byUser, res.UserID)
	m.mu.Unlock()

	if m.hub != nil {
		m.hub.Emit("reservation_claimed", *res)
	}
	return rental, startLoc, nil
}

// Cancel closes an open reservation with outcome CANCELLED.
func (m *Manager) Cancel(ctx context.Context, reservationID int64) (fleet.Reservation, error) {
	return m.close(ctx, reservationID, fleet.ReservationCancelled, "reservation_cancelled")
}

func (m *Manager) close(ctx context.Context, reservationID int64, outcome fleet.ReservationOutcome, event string) (fleet.Reservation, error) {
	m.mu.Lock()
	res, ok := m.byID[reservationID]
	m.mu.Unlock()
	if !ok {
		return fleet.Reservation{}, errs.OutsideWindow()
	}

	now := time.Now()
	if err := m.store.SetOutcome(ctx, reservationID, outcome, now, nil); err != nil {
		return fleet.Reservation{}, err
	}

	m.mu.Lock()
	res.Outcome = &outcome
	res.EndedAt = &now
	m.removeFromPickupLocked(res.PickupID, reservationID)
	delete(m.byUser, res.UserID)
	m.mu.Unlock()

	if m.hub != nil {
		m.hub.Emit(event, *res)
	}
	return *res, nil
}

func (m *Manager) removeFromPickupLocked(pickupID, reservationID int64) {
	if set, ok := m.byPickup[pickupID]; ok {
		delete(set, reservationID)
		if len(set) == 0 {
			delete(m.byPickup, pickupID)
		}
	}
}

// IsReserved reports whether bike sits in a pickup whose supply is fully
// consumed by open reservations.
func (m *Manager) IsReserved(ctx context.Context, bike fleet.PublicKey) bool {
	loc, ok := m.bikes.MostRecentLocation(bike)
	if !ok || loc.PickupID == nil {
		return false
	}
	pickup, err := m.pickups.ByID(ctx, *loc.PickupID)
	if err != nil {
		return false
	}
	available := len(m.availableAt(ctx, pickup))
	return available <= m.openCountAt(*loc.PickupID)
}

// Surplus returns the number of available bikes at pickupID minus the number
// of its open reservations due within MinimumLead (see openCountAt);
// negative means a shortage.
func (m *Manager) Surplus(ctx context.Context, pickupID int64) (int, error) {
	pickup, err := m.pickups.ByID(ctx, pickupID)
	if err != nil {
		return 0, err
	}
	available := len(m.availableAt(ctx, pickup))
	return available - m.openCountAt(pickupID), nil
}

// ExpireOverdue scans open reservations whose claim window has fully
// passed and closes them with outcome EXPIRED, so they stop counting
// against openCountAt once they can no longer be claimed.
func (m *Manager) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	var overdue []int64
	for id, res := range m.byID {
		if res.IsOpen() && now.After(res.ReservedFor.Add(ClaimWindow/2)) {
			overdue = append(overdue, id)
		}
	}
	m.mu.Unlock()

	for _, id := range overdue {
		if _, err := m.close(ctx, id, fleet.ReservationExpired, "reservation_expired"); err != nil {
			return len(overdue), err
		}
	}
	return len(overdue), nil
}

// Rebuild loads every open reservation from the store and reinserts it into
// the live state.
func (m *Manager) Rebuild(ctx context.Context) error {
	open, err := m.store.OpenReservations(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range open {
		res := open[i]
		m.byID[res.ID] = &res
		m.byUser[res.UserID] = res.ID
		if m.byPickup[res.PickupID] == nil {
			m.byPickup[res.PickupID] = make(map[int64]bool)
		}
		m.byPickup[res.PickupID][res.ID] = true
	}
	return nil
}
