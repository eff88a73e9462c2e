package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dragorhast/fleet/internal/domain/fleet"
	"github.com/dragorhast/fleet/internal/domain/geo"
)

func TestRegisterBikeThenIsRegistered(t *testing.T) {
	s := New()
	ctx := context.Background()
	var key fleet.PublicKey
	key[0] = 1

	if ok, _ := s.IsRegistered(ctx, key); ok {
		t.Fatalf("expected unregistered bike to report false")
	}
	if err := s.RegisterBike(ctx, fleet.Bike{PublicKey: key, InCirculation: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if ok, _ := s.IsRegistered(ctx, key); !ok {
		t.Fatalf("expected registered bike to report true")
	}
}

func TestContainingFindsPickupByPoint(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.RegisterPickup(ctx, fleet.PickupPoint{
		ID: 1,
		Area: geo.Polygon{Rings: []geo.Point{
			{Lat: 0, Long: 0}, {Lat: 0, Long: 10}, {Lat: 10, Long: 10}, {Lat: 10, Long: 0},
		}},
	})

	found, err := s.Containing(ctx, geo.Point{Lat: 5, Long: 5})
	if err != nil {
		t.Fatalf("containing: %v", err)
	}
	if found == nil || found.ID != 1 {
		t.Fatalf("expected to find pickup 1, got %v", found)
	}

	outside, err := s.Containing(ctx, geo.Point{Lat: 50, Long: 50})
	if err != nil {
		t.Fatalf("containing: %v", err)
	}
	if outside != nil {
		t.Fatalf("expected no pickup to contain a far-away point")
	}
}

func TestRentalLifecycleRoundTrips(t *testing.T) {
	s := New()
	ctx := context.Background()
	var bike fleet.PublicKey
	bike[0] = 1
	now := time.Now()

	id, err := s.CreateRental(ctx, 1, bike, now)
	if err != nil {
		t.Fatalf("create rental: %v", err)
	}
	if err := s.AppendUpdate(ctx, id, fleet.RentalUpdate{RentalID: id, Type: fleet.RentalUpdateRent, Timestamp: now}); err != nil {
		t.Fatalf("append rent update: %v", err)
	}

	open, err := s.OpenRentals(ctx)
	if err != nil || len(open) != 1 {
		t.Fatalf("expected 1 open rental, got %d (err %v)", len(open), err)
	}

	if err := s.SetPrice(ctx, id, decimal.NewFromFloat(1.5)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if err := s.AppendUpdate(ctx, id, fleet.RentalUpdate{RentalID: id, Type: fleet.RentalUpdateReturn, Timestamp: now.Add(time.Hour)}); err != nil {
		t.Fatalf("append return update: %v", err)
	}

	open, err = s.OpenRentals(ctx)
	if err != nil || len(open) != 0 {
		t.Fatalf("expected 0 open rentals after return, got %d (err %v)", len(open), err)
	}
}

func TestResolveUserIsIdempotentPerExternalID(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.ResolveUser(ctx, "ext-1", "Ada", "ada@example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := s.ResolveUser(ctx, "ext-1", "Ada", "ada@example.com")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected stable id across calls, got %d then %d", first.ID, second.ID)
	}

	other, err := s.ResolveUser(ctx, "ext-2", "Grace", "grace@example.com")
	if err != nil {
		t.Fatalf("resolve other: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("expected distinct users to get distinct ids")
	}
}

func TestReservationLifecycleRoundTrips(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	id, err := s.CreateReservation(ctx, 1, 1, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("create reservation: %v", err)
	}

	open, err := s.OpenReservations(ctx)
	if err != nil || len(open) != 1 {
		t.Fatalf("expected 1 open reservation, got %d (err %v)", len(open), err)
	}

	if err := s.SetOutcome(ctx, id, fleet.ReservationCancelled, now, nil); err != nil {
		t.Fatalf("set outcome: %v", err)
	}

	open, err = s.OpenReservations(ctx)
	if err != nil || len(open) != 0 {
		t.Fatalf("expected 0 open reservations after cancel, got %d (err %v)", len(open), err)
	}
}
