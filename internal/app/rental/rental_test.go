package rental

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dragorhast/fleet/errs"
	"github.com/dragorhast/fleet/internal/domain/fleet"
	"github.com/dragorhast/fleet/internal/events"
)

type memStore struct {
	mu      sync.Mutex
	nextID  int64
	rentals map[int64]*fleet.Rental
}

func newMemStore() *memStore {
	return &memStore{rentals: make(map[int64]*fleet.Rental)}
}

func (s *memStore) CreateRental(_ context.Context, userID int64, bike fleet.PublicKey, startTime time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.rentals[id] = &fleet.Rental{ID: id, UserID: userID, BikeKey: bike, StartTime: startTime}
	return id, nil
}

func (s *memStore) AppendUpdate(_ context.Context, rentalID int64, update fleet.RentalUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rentals[rentalID].Updates = append(s.rentals[rentalID].Updates, update)
	return nil
}

func (s *memStore) SetPrice(_ context.Context, rentalID int64, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, _ := price.Float64()
	s.rentals[rentalID].Price = &p
	return nil
}

func (s *memStore) OpenRentals(_ context.Context) ([]fleet.Rental, error) {
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

func (s *memStore) UpdatesSince(_ context.Context, since time.Time) ([]fleet.RentalUpdateRecord, error) {
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

func newManagerForTest() *Manager {
	return New(Config{Store: newMemStore(), Hub: events.NewHub(nil, Events)})
}

func TestStartThenFinishComputesPrice(t *testing.T) {
	m := newManagerForTest()
	ctx := context.Background()
	var bike fleet.PublicKey
	bike[0] = 1

	if _, _, err := m.Start(ctx, 1, bike); err != nil {
		t.Fatalf("start: %v", err)
	}
	rental, err := m.Finish(ctx, 1, decimal.Zero)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if rental.Price == nil {
		t.Fatalf("expected a price to be set")
	}
	if m.HasActiveRental(1) {
		t.Fatalf("expected no active rental after finish")
	}
}

func TestSecondStartForSameUserFailsActiveRental(t *testing.T) {
	m := newManagerForTest()
	ctx := context.Background()
	var bikeA, bikeB fleet.PublicKey
	bikeA[0], bikeB[0] = 1, 2

	if _, _, err := m.Start(ctx, 1, bikeA); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := m.Start(ctx, 1, bikeB); !errs.Is(err, errs.KindActiveRental) {
		t.Fatalf("expected ActiveRental, got %v", err)
	}
}

func TestSecondStartForSameBikeFailsCurrentlyRented(t *testing.T) {
	m := newManagerForTest()
	ctx := context.Background()
	var bike fleet.PublicKey
	bike[0] = 1

	if _, _, err := m.Start(ctx, 1, bike); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := m.Start(ctx, 2, bike); !errs.Is(err, errs.KindCurrentlyRented) {
		t.Fatalf("expected CurrentlyRented, got %v", err)
	}
}

func TestRentalExclusivityScenario(t *testing.T) {
	// U1, U2, one bike B, plus another bike for U1.
	m := newManagerForTest()
	ctx := context.Background()
	var bikeB, bikeB2 fleet.PublicKey
	bikeB[0], bikeB2[0] = 1, 2

	if _, _, err := m.Start(ctx, 1, bikeB); err != nil {
		t.Fatalf("U1 start B: %v", err)
	}
	if _, _, err := m.Start(ctx, 2, bikeB); !errs.Is(err, errs.KindCurrentlyRented) {
		t.Fatalf("expected CurrentlyRented for U2 on B, got %v", err)
	}
	if _, _, err := m.Start(ctx, 1, bikeB2); !errs.Is(err, errs.KindActiveRental) {
		t.Fatalf("expected ActiveRental for U1 on B2, got %v", err)
	}
}

func TestFinishWithoutActiveRentalFails(t *testing.T) {
	m := newManagerForTest()
	if _, err := m.Finish(context.Background(), 1, decimal.Zero); !errs.Is(err, errs.KindInactiveRental) {
		t.Fatalf("expected InactiveRental, got %v", err)
	}
}

func TestCancelRemovesFromExclusivityMapWithoutPrice(t *testing.T) {
	m := newManagerForTest()
	ctx := context.Background()
	var bike fleet.PublicKey
	bike[0] = 1

	if _, _, err := m.Start(ctx, 1, bike); err != nil {
		t.Fatalf("start: %v", err)
	}
	rental, err := m.Cancel(ctx, 1)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rental.Price != nil {
		t.Fatalf("expected no price on a cancelled rental")
	}
	if m.IsInUse(bike) {
		t.Fatalf("expected bike to be free after cancel")
	}
}

func TestAvailableBikesExcludesInUse(t *testing.T) {
	m := newManagerForTest()
	ctx := context.Background()
	var bikeA, bikeB fleet.PublicKey
	bikeA[0], bikeB[0] = 1, 2

	if _, _, err := m.Start(ctx, 1, bikeA); err != nil {
		t.Fatalf("start: %v", err)
	}
	available := m.AvailableBikes([]fleet.PublicKey{bikeA, bikeB})
	if len(available) != 1 || available[0] != bikeB {
		t.Fatalf("expected only bikeB available, got %v", available)
	}
}

func TestRebuildReinstallsOpenRentalsIntoMap(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	store.rentals[1] = &fleet.Rental{ID: 1, UserID: 1, StartTime: now, Updates: []fleet.RentalUpdate{{RentalID: 1, Type: fleet.RentalUpdateRent, Timestamp: now}}}
	var bikeKey fleet.PublicKey
	bikeKey[0] = 7
	store.rentals[1].BikeKey = bikeKey

	// U2's rental already completed today: its RENT/RETURN pair must replay
	// with its real user, bike, and price rather than zero values.
	var bikeKey2 fleet.PublicKey
	bikeKey2[0] = 9
	price := 12.3
	store.rentals[2] = &fleet.Rental{
		ID: 2, UserID: 2, BikeKey: bikeKey2, StartTime: now, Price: &price,
		Updates: []fleet.RentalUpdate{
			{RentalID: 2, Type: fleet.RentalUpdateRent, Timestamp: now},
			{RentalID: 2, Type: fleet.RentalUpdateReturn, Timestamp: now.Add(time.Minute)},
		},
	}

	type startedCall struct {
		userID int64
		bike   fleet.PublicKey
	}
	type endedCall struct {
		userID int64
		bike   fleet.PublicKey
		price  decimal.Decimal
	}
	var started []startedCall
	var ended []endedCall

	hub := events.NewHub(nil, Events)
	if err := hub.Subscribe("rental_started", func(userID int64, bike fleet.PublicKey, rental fleet.Rental) {
		started = append(started, startedCall{userID, bike})
	}, false); err != nil {
		t.Fatalf("subscribe rental_started: %v", err)
	}
	if err := hub.Subscribe("rental_ended", func(userID int64, bike fleet.PublicKey, rental fleet.Rental, price decimal.Decimal, distance float64) {
		ended = append(ended, endedCall{userID, bike, price})
	}, false); err != nil {
		t.Fatalf("subscribe rental_ended: %v", err)
	}

	m := New(Config{Store: store, Hub: hub})
	if err := m.Rebuild(context.Background(), now); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if !m.HasActiveRental(1) {
		t.Fatalf("expected rental 1 to be installed as open")
	}

	sort.Slice(started, func(i, j int) bool { return started[i].userID < started[j].userID })
	if len(started) != 2 || started[1].userID != 2 || started[1].bike != bikeKey2 {
		t.Fatalf("expected rental_started for U2 with bike %v, got %+v", bikeKey2, started)
	}

	if len(ended) != 1 || ended[0].userID != 2 || ended[0].bike != bikeKey2 {
		t.Fatalf("expected one rental_ended for U2 with bike %v, got %+v", bikeKey2, ended)
	}
	if !ended[0].price.Equal(decimal.NewFromFloat(price)) {
		t.Fatalf("expected replayed price %v, got %v", price, ended[0].price)
	}
}
