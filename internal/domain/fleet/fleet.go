// Package fleet declares the entity types shared across the bike-share
// coordinator: bikes, users, rentals, reservations, and pickup points.
package fleet

import (
	"time"

	"github.com/dragorhast/fleet/internal/domain/geo"
)

// PublicKey is a bike's Ed25519 public key, its durable identity.
type PublicKey [32]byte

// ShortID returns the 3-byte display prefix of the key, for logging.
func (k PublicKey) ShortID() string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 6)
	for i := 0; i < 3; i++ {
		buf[i*2] = hexDigits[k[i]>>4]
		buf[i*2+1] = hexDigits[k[i]&0x0f]
	}
	return string(buf)
}

// Bike is the durable, in-circulation record for an edge device. Live
// attributes (location, battery, lock state, socket) are not part of this
// struct; they live in the session registry because they exist only while a
// bike is connected.
type Bike struct {
	PublicKey     PublicKey
	InCirculation bool
	RegisteredAt  time.Time
}

// User is an internal account, keyed by an external identity token mapped to
// an internal integer id at first authenticated call.
type User struct {
	ID         int64
	ExternalID string
	Name       string
	Email      string
	Admin      bool
	CustomerID string
}

// RentalUpdateType enumerates the append-only events recorded against a
// rental.
type RentalUpdateType string

const (
	RentalUpdateRent   RentalUpdateType = "rent"
	RentalUpdateReturn RentalUpdateType = "return"
	RentalUpdateCancel RentalUpdateType = "cancel"
	RentalUpdateLock   RentalUpdateType = "lock"
	RentalUpdateUnlock RentalUpdateType = "unlock"
)

// RentalUpdate is one entry of a rental's append-only history.
type RentalUpdate struct {
	RentalID  int64
	Type      RentalUpdateType
	Timestamp time.Time
}

// RentalUpdateRecord is one row from Store.UpdatesSince: an update joined
// with the owning rental's user, bike, and (once priced) price, so a
// replay can reconstruct real statistics instead of zero values.
type RentalUpdateRecord struct {
	RentalUpdate
	UserID  int64
	BikeKey PublicKey
	Price   *float64
}

// IsTerminator reports whether this update type ends a rental's open state.
func (t RentalUpdateType) IsTerminator() bool {
	return t == RentalUpdateReturn || t == RentalUpdateCancel
}

// Rental binds one user to one bike for the rental's lifetime. Updates is
// kept in append order; the first entry is always RentalUpdateRent.
type Rental struct {
	ID        int64
	UserID    int64
	BikeKey   PublicKey
	StartTime time.Time
	EndTime   *time.Time
	Price     *float64
	Updates   []RentalUpdate
}

// IsOpen reports whether the rental's update trail has not yet reached a
// terminator, i.e. it still occupies a slot in the exclusivity map.
func (r Rental) IsOpen() bool {
	for _, u := range r.Updates {
		if u.Type.IsTerminator() {
			return false
		}
	}
	return true
}

// PickupPoint is a named polygonal area a bike can be "in".
type PickupPoint struct {
	ID   int64
	Name string
	Area geo.Polygon
}

// ReservationOutcome enumerates the terminal states of a reservation.
type ReservationOutcome string

const (
	ReservationClaimed   ReservationOutcome = "claimed"
	ReservationCancelled ReservationOutcome = "cancelled"
	ReservationExpired   ReservationOutcome = "expired"
)

// Reservation binds a user to a pickup point for a future pickup window.
// Outcome and EndedAt are set together; both nil means the reservation is
// still open.
type Reservation struct {
	ID            int64
	UserID        int64
	PickupID      int64
	ReservedFor   time.Time
	ClaimedRental *int64
	Outcome       *ReservationOutcome
	EndedAt       *time.Time
}

// IsOpen reports whether the reservation has no recorded outcome yet.
func (r Reservation) IsOpen() bool {
	return r.Outcome == nil
}

// ConnectionTicket is an ephemeral authentication challenge issued to a
// remote address for a specific bike, with a fixed expiry.
type ConnectionTicket struct {
	BikeKey   PublicKey
	Challenge [64]byte
	Remote    string
	IssuedAt  time.Time
}

// Expired reports whether the ticket is older than expiry as measured at at.
func (t ConnectionTicket) Expired(at time.Time, expiry time.Duration) bool {
	return at.Sub(t.IssuedAt) > expiry
}

// Location is a bike's most recently reported position.
type Location struct {
	Point     geo.Point
	Timestamp time.Time
	PickupID  *int64
}
