package fleet

import "testing"

func TestShortIDIsSixHexChars(t *testing.T) {
	var key PublicKey
	key[0], key[1], key[2] = 0xab, 0xcd, 0xef

	got := key.ShortID()
	if got != "abcdef" {
		t.Fatalf("expected abcdef, got %q", got)
	}
}

func TestRentalIsOpenBeforeTerminator(t *testing.T) {
	r := Rental{Updates: []RentalUpdate{{Type: RentalUpdateRent}}}
	if !r.IsOpen() {
		t.Fatalf("expected rental with only a RENT update to be open")
	}
}

func TestRentalIsClosedAfterReturn(t *testing.T) {
	r := Rental{Updates: []RentalUpdate{
		{Type: RentalUpdateRent},
		{Type: RentalUpdateLock},
		{Type: RentalUpdateReturn},
	}}
	if r.IsOpen() {
		t.Fatalf("expected rental with a RETURN update to be closed")
	}
}

func TestReservationIsOpenWithNilOutcome(t *testing.T) {
	r := Reservation{}
	if !r.IsOpen() {
		t.Fatalf("expected reservation with nil outcome to be open")
	}
	outcome := ReservationClaimed
	r.Outcome = &outcome
	if r.IsOpen() {
		t.Fatalf("expected reservation with set outcome to be closed")
	}
}
