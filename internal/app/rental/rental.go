// Package rental implements the user<->bike exclusivity state machine of
// starting, finishing, and cancelling rentals, plus the price
// estimate and availability queries other components rely on.
package rental

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dragorhast/fleet/errs"
	"github.com/dragorhast/fleet/internal/domain/fleet"
	"github.com/dragorhast/fleet/internal/domain/geo"
	"github.com/dragorhast/fleet/internal/events"
	"github.com/dragorhast/fleet/internal/pricing"
)

// Store is the persistence boundary the rental manager writes through.
type Store interface {
	CreateRental(ctx context.Context, userID int64, bike fleet.PublicKey, startTime time.Time) (int64, error)
	AppendUpdate(ctx context.Context, rentalID int64, update fleet.RentalUpdate) error
	SetPrice(ctx context.Context, rentalID int64, price decimal.Decimal) error
	OpenRentals(ctx context.Context) ([]fleet.Rental, error)
	UpdatesSince(ctx context.Context, since time.Time) ([]fleet.RentalUpdateRecord, error)
}

// Locations is the subset of the bike session layer the rental manager
// consults for start/current location.
type Locations interface {
	MostRecentLocation(bike fleet.PublicKey) (fleet.Location, bool)
}

// entry is the in-memory exclusivity record for one open rental.
type entry struct {
	rental        fleet.Rental
	startLocation *fleet.Location
}

// Manager owns the live user<->bike exclusivity map. All rental mutations
// go through it.
type Manager struct {
	store     Store
	locations Locations
	hub       *events.Hub

	mu     sync.Mutex
	byUser map[int64]*entry
	byBike map[fleet.PublicKey]int64 // bike -> user id
}

// Config carries the Manager's constructor dependencies.
type Config struct {
	Store     Store
	Locations Locations
	Hub       *events.Hub
}

// New builds a Manager.
func New(cfg Config) *Manager {
	return &Manager{
		store:     cfg.Store,
		locations: cfg.Locations,
		hub:       cfg.Hub,
		byUser:    make(map[int64]*entry),
		byBike:    make(map[fleet.PublicKey]int64),
	}
}

// Start binds user to bike for a new rental. Fails with ActiveRental if the
// user already has an open rental, or CurrentlyRented if the bike is
// already bound to someone else.
func (m *Manager) Start(ctx context.Context, userID int64, bike fleet.PublicKey) (fleet.Rental, *fleet.Location, error) {
	m.mu.Lock()
	if existing, ok := m.byUser[userID]; ok {
		m.mu.Unlock()
		return fleet.Rental{}, nil, errs.ActiveRental(existing.rental.ID)
	}
	if _, ok := m.byBike[bike]; ok {
		m.mu.Unlock()
		return fleet.Rental{}, nil, errs.CurrentlyRented()
	}
	m.mu.Unlock()

	now := time.Now()
	var startLoc *fleet.Location
	if m.locations != nil {
		if loc, ok := m.locations.MostRecentLocation(bike); ok {
			startLoc = &loc
		}
	}

	rentalID, err := m.store.CreateRental(ctx, userID, bike, now)
	if err != nil {
		return fleet.Rental{}, nil, err
	}
	update := fleet.RentalUpdate{RentalID: rentalID, Type: fleet.RentalUpdateRent, Timestamp: now}
	if err := m.store.AppendUpdate(ctx, rentalID, update); err != nil {
		return fleet.Rental{}, nil, err
	}

	rental := fleet.Rental{
		ID:        rentalID,
		UserID:    userID,
		BikeKey:   bike,
		StartTime: now,
		Updates:   []fleet.RentalUpdate{update},
	}

	m.mu.Lock()
	// Re-check under lock in case of a race with another Start since the
	// unlocked section above; the first writer to commit here wins and the
	// loser's persisted row is simply never installed in the live map.
	if existing, ok := m.byUser[userID]; ok {
		m.mu.Unlock()
		return fleet.Rental{}, nil, errs.ActiveRental(existing.rental.ID)
	}
	if _, ok := m.byBike[bike]; ok {
		m.mu.Unlock()
		return fleet.Rental{}, nil, errs.CurrentlyRented()
	}
	m.byUser[userID] = &entry{rental: rental, startLocation: startLoc}
	m.byBike[bike] = userID
	m.mu.Unlock()

	if m.hub != nil {
		m.hub.Emit("rental_started", userID, bike, rental)
	}
	return rental, startLoc, nil
}

// Finish ends the user's open rental with a RETURN update, computes the
// price, and emits rental_ended. distance is the straight-line distance
// between the rental's start location and the bike's most recent location;
// the location updates in between are not summed. It is zero if either
// location is unknown.
func (m *Manager) Finish(ctx context.Context, userID int64, extraCost decimal.Decimal) (fleet.Rental, error) {
	rental, startLoc, err := m.closeOut(ctx, userID, fleet.RentalUpdateReturn)
	if err != nil {
		return fleet.Rental{}, err
	}
	bike := rental.BikeKey

	now := time.Now()
	price := pricing.Price(rental.StartTime, now, extraCost)
	if err := m.store.SetPrice(ctx, rental.ID, price); err != nil {
		return fleet.Rental{}, err
	}
	p, _ := price.Float64()
	rental.Price = &p
	rental.EndTime = &now

	var distance float64
	if m.locations != nil && startLoc != nil {
		if endLoc, ok := m.locations.MostRecentLocation(bike); ok {
			distance = geo.Distance(startLoc.Point, endLoc.Point)
		}
	}

	if m.hub != nil {
		m.hub.Emit("rental_ended", userID, bike, rental, price, distance)
	}
	return rental, nil
}

// Cancel ends the user's open rental with a CANCEL update (no price) and
// emits rental_cancelled.
func (m *Manager) Cancel(ctx context.Context, userID int64) (fleet.Rental, error) {
	rental, _, err := m.closeOut(ctx, userID, fleet.RentalUpdateCancel)
	if err != nil {
		return fleet.Rental{}, err
	}
	if m.hub != nil {
		m.hub.Emit("rental_cancelled", userID, rental.BikeKey, rental)
	}
	return rental, nil
}

func (m *Manager) closeOut(ctx context.Context, userID int64, terminator fleet.RentalUpdateType) (fleet.Rental, *fleet.Location, error) {
	m.mu.Lock()
	e, ok := m.byUser[userID]
	m.mu.Unlock()
	if !ok {
		return fleet.Rental{}, nil, errs.InactiveRental()
	}

	now := time.Now()
	update := fleet.RentalUpdate{RentalID: e.rental.ID, Type: terminator, Timestamp: now}
	if err := m.store.AppendUpdate(ctx, e.rental.ID, update); err != nil {
		return fleet.Rental{}, nil, err
	}

	m.mu.Lock()
	delete(m.byUser, userID)
	delete(m.byBike, e.rental.BikeKey)
	m.mu.Unlock()

	rental := e.rental
	rental.Updates = append(append([]fleet.RentalUpdate(nil), rental.Updates...), update)
	return rental, e.startLocation, nil
}

// ActiveRental returns the user's open rental, if any.
func (m *Manager) ActiveRental(userID int64) (fleet.Rental, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byUser[userID]
	if !ok {
		return fleet.Rental{}, false
	}
	return e.rental, true
}

// HasActiveRental reports whether userID currently holds an open rental.
func (m *Manager) HasActiveRental(userID int64) bool {
	_, ok := m.ActiveRental(userID)
	return ok
}

// IsInUse reports whether bike is currently bound to a rental.
func (m *Manager) IsInUse(bike fleet.PublicKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byBike[bike]
	return ok
}

// IsRenting reports whether userID's open rental, if any, is for bike.
func (m *Manager) IsRenting(userID int64, bike fleet.PublicKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byUser[userID]
	return ok && e.rental.BikeKey == bike
}

// AvailableBikes filters candidates down to those not currently bound to a
// rental.
func (m *Manager) AvailableBikes(candidates []fleet.PublicKey) []fleet.PublicKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	available := make([]fleet.PublicKey, 0, len(candidates))
	for _, c := range candidates {
		if _, inUse := m.byBike[c]; !inUse {
			available = append(available, c)
		}
	}
	return available
}

// EstimatePrice returns the price the rental would incur if finished now.
func (m *Manager) EstimatePrice(rental fleet.Rental) decimal.Decimal {
	return pricing.Price(rental.StartTime, time.Now(), decimal.Zero)
}

// Rebuild loads every open rental from the store into the live map, then
// replays today's updates onto the hub, each carrying its owning rental's
// real user, bike, and price, so statistics subscribers can reconstruct
// the day's numbers.
func (m *Manager) Rebuild(ctx context.Context, today time.Time) error {
	open, err := m.store.OpenRentals(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, r := range open {
		m.byUser[r.UserID] = &entry{rental: r}
		m.byBike[r.BikeKey] = r.UserID
	}
	m.mu.Unlock()

	midnight := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, today.Location())
	updates, err := m.store.UpdatesSince(ctx, midnight)
	if err != nil {
		return err
	}
	if m.hub == nil {
		return nil
	}
	for _, u := range updates {
		rental := fleet.Rental{ID: u.RentalID, UserID: u.UserID, BikeKey: u.BikeKey}
		switch u.Type {
		case fleet.RentalUpdateRent:
			m.hub.Emit("rental_started", u.UserID, u.BikeKey, rental)
		case fleet.RentalUpdateReturn:
			price := decimal.Zero
			if u.Price != nil {
				price = decimal.NewFromFloat(*u.Price)
				rental.Price = u.Price
			}
			m.hub.Emit("rental_ended", u.UserID, u.BikeKey, rental, price, 0.0)
		case fleet.RentalUpdateCancel:
			m.hub.Emit("rental_cancelled", u.UserID, u.BikeKey, rental)
		}
	}
	return nil
}
