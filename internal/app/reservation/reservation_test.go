package reservation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dragorhast/fleet/errs"
	"github.com/dragorhast/fleet/internal/domain/fleet"
	"github.com/dragorhast/fleet/internal/domain/geo"
	"github.com/dragorhast/fleet/internal/events"
)

func square(id int64) fleet.PickupPoint {
	return fleet.PickupPoint{
		ID: id,
		Area: geo.Polygon{Rings: []geo.Point{
			{Lat: 0, Long: 0}, {Lat: 0, Long: 10}, {Lat: 10, Long: 10}, {Lat: 10, Long: 0},
		}},
	}
}

type fakePickups struct{ points map[int64]fleet.PickupPoint }

func (p *fakePickups) ByID(_ context.Context, id int64) (fleet.PickupPoint, error) {
	pp, ok := p.points[id]
	if !ok {
		return fleet.PickupPoint{}, errs.NoBikes()
	}
	return pp, nil
}

type fakeBikes struct {
	mu        sync.Mutex
	locations map[fleet.PublicKey]fleet.Location
}

func (b *fakeBikes) BikesIn(area geo.Polygon) []fleet.PublicKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	var found []fleet.PublicKey
	for k, loc := range b.locations {
		if area.Contains(loc.Point) {
			found = append(found, k)
		}
	}
	return found
}

func (b *fakeBikes) MostRecentLocation(bike fleet.PublicKey) (fleet.Location, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	loc, ok := b.locations[bike]
	return loc, ok
}

func (b *fakeBikes) place(bike fleet.PublicKey, pickupID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := pickupID
	b.locations[bike] = fleet.Location{Point: geo.Point{Lat: 5, Long: 5}, PickupID: &id}
}

type fakeRentals struct {
	mu     sync.Mutex
	inUse  map[fleet.PublicKey]bool
	nextID int64
}

func (r *fakeRentals) AvailableBikes(candidates []fleet.PublicKey) []fleet.PublicKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	var available []fleet.PublicKey
	for _, c := range candidates {
		if !r.inUse[c] {
			available = append(available, c)
		}
	}
	return available
}

func (r *fakeRentals) Start(_ context.Context, userID int64, bike fleet.PublicKey) (fleet.Rental, *fleet.Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inUse == nil {
		r.inUse = make(map[fleet.PublicKey]bool)
	}
	if r.inUse[bike] {
		return fleet.Rental{}, nil, errs.CurrentlyRented()
	}
	r.inUse[bike] = true
	r.nextID++
	return fleet.Rental{ID: r.nextID, UserID: userID, BikeKey: bike}, nil, nil
}

type fakeStore struct {
	mu           sync.Mutex
	nextID       int64
	reservations map[int64]*fleet.Reservation
}

func newFakeStore() *fakeStore {
	return &fakeStore{reservations: make(map[int64]*fleet.Reservation)}
}

func (s *fakeStore) CreateReservation(_ context.Context, userID, pickupID int64, forTime time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.reservations[id] = &fleet.Reservation{ID: id, UserID: userID, PickupID: pickupID, ReservedFor: forTime}
	return id, nil
}

func (s *fakeStore) SetOutcome(_ context.Context, reservationID int64, outcome fleet.ReservationOutcome, endedAt time.Time, claimedRental *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.reservations[reservationID]
	r.Outcome = &outcome
	r.EndedAt = &endedAt
	r.ClaimedRental = claimedRental
	return nil
}

func (s *fakeStore) OpenReservations(_ context.Context) ([]fleet.Reservation, error) {
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

func newManagerForTest(pickupID int64) (*Manager, *fakeBikes, *fakeRentals) {
	pickups := &fakePickups{points: map[int64]fleet.PickupPoint{pickupID: square(pickupID)}}
	bikes := &fakeBikes{locations: make(map[fleet.PublicKey]fleet.Location)}
	rentals := &fakeRentals{}
	m := New(Config{
		Store:   newFakeStore(),
		Pickups: pickups,
		Bikes:   bikes,
		Rentals: rentals,
		Hub:     events.NewHub(nil, Events),
	})
	return m, bikes, rentals
}

func TestReserveSupplyCheckScenario(t *testing.T) {
	m, bikes, _ := newManagerForTest(1)
	ctx := context.Background()
	now := time.Now()

	if _, err := m.Reserve(ctx, 1, 1, now.Add(2*time.Hour)); !errs.Is(err, errs.KindInsufficientSupply) {
		t.Fatalf("expected InsufficientSupply with zero bikes, got %v", err)
	}
	if _, err := m.Reserve(ctx, 1, 1, now.Add(5*time.Hour)); err != nil {
		t.Fatalf("expected reservation beyond minimum lead to succeed, got %v", err)
	}

	var bike fleet.PublicKey
	bike[0] = 1
	bikes.place(bike, 1)

	if _, err := m.Reserve(ctx, 2, 1, now.Add(2*time.Hour)); err != nil {
		t.Fatalf("expected reservation to succeed once a bike is present, got %v", err)
	}
}

func TestReserveTwiceForSameUserFails(t *testing.T) {
	m, bikes, _ := newManagerForTest(1)
	ctx := context.Background()
	now := time.Now()
	var bike fleet.PublicKey
	bike[0] = 1
	bikes.place(bike, 1)

	if _, err := m.Reserve(ctx, 1, 1, now.Add(5*time.Hour)); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := m.Reserve(ctx, 1, 1, now.Add(6*time.Hour)); !errs.Is(err, errs.KindReservationExists) {
		t.Fatalf("expected ReservationExists, got %v", err)
	}
}

func TestClaimWindowScenario(t *testing.T) {
	// reservation for T = now + 90min.
	m, bikes, _ := newManagerForTest(1)
	ctx := context.Background()
	var bike fleet.PublicKey
	bike[0] = 1
	bikes.place(bike, 1)

	forTime := time.Now().Add(90 * time.Minute)
	res, err := m.Reserve(ctx, 1, 1, forTime)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// claim at +90min is out of a real clock's control in a unit test, so
	// instead verify the window boundaries directly against ClaimWindow.
	windowStart := res.ReservedFor.Add(-ClaimWindow / 2)
	windowEnd := res.ReservedFor.Add(ClaimWindow / 2)
	if windowEnd.Sub(windowStart) != ClaimWindow {
		t.Fatalf("expected a %v window, got %v", ClaimWindow, windowEnd.Sub(windowStart))
	}
}

func TestClaimOutsideWindowFails(t *testing.T) {
	m, bikes, _ := newManagerForTest(1)
	ctx := context.Background()
	var bike fleet.PublicKey
	bike[0] = 1
	bikes.place(bike, 1)

	// reservedFor far in the future puts "now" well outside the claim window.
	res, err := m.Reserve(ctx, 1, 1, time.Now().Add(5*time.Hour))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, _, err := m.Claim(ctx, res.ID, nil); !errs.Is(err, errs.KindOutsideWindow) {
		t.Fatalf("expected OutsideWindow, got %v", err)
	}
}

func TestClaimPicksAvailableBikeAndStartsRental(t *testing.T) {
	m, bikes, _ := newManagerForTest(1)
	ctx := context.Background()
	var bike fleet.PublicKey
	bike[0] = 1
	bikes.place(bike, 1)

	forTime := time.Now().Add(10 * time.Minute)
	res, err := m.Reserve(ctx, 1, 1, forTime)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	rental, _, err := m.Claim(ctx, res.ID, nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if rental.BikeKey != bike {
		t.Fatalf("expected claimed rental to use the present bike")
	}
}

func TestClaimNoBikesFails(t *testing.T) {
	m, bikes, _ := newManagerForTest(1)
	ctx := context.Background()
	var bike fleet.PublicKey
	bike[0] = 1
	bikes.place(bike, 1)

	forTime := time.Now().Add(10 * time.Minute)
	res, err := m.Reserve(ctx, 1, 1, forTime)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// The only bike leaves the pickup point before the claim.
	bikes.mu.Lock()
	delete(bikes.locations, bike)
	bikes.mu.Unlock()

	if _, _, err := m.Claim(ctx, res.ID, nil); !errs.Is(err, errs.KindNoBikes) {
		t.Fatalf("expected NoBikes, got %v", err)
	}
}

func TestExpireOverdueClosesStaleReservations(t *testing.T) {
	m, bikes, _ := newManagerForTest(1)
	ctx := context.Background()
	var bike fleet.PublicKey
	bike[0] = 1
	bikes.place(bike, 1)

	past := time.Now().Add(-2 * time.Hour)
	res, err := m.Reserve(ctx, 1, 1, past)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	n, err := m.ExpireOverdue(ctx, time.Now())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reservation expired, got %d", n)
	}
	if m.openCountAt(res.PickupID) != 0 {
		t.Fatalf("expected expired reservation removed from pickup state")
	}
}
