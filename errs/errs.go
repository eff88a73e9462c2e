// Package errs provides structured error types and helpers for fleet services.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies a fleet-wide error category. Callers should branch on Code
// rather than on error message text.
type Code string

const (
	// CodeAuth indicates authentication or identity verification failed.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input supplied by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConflict indicates a state invariant would be violated by the request.
	CodeConflict Code = "conflict"
	// CodeNotFound indicates a referenced entity does not exist.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates a dependency (socket, store) is not reachable.
	CodeUnavailable Code = "unavailable"
	// CodeTimeout indicates an operation exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeInternal indicates a programming invariant was violated.
	CodeInternal Code = "internal"
)

// Kind names one of the specific error conditions enumerated by the fleet
// Kind enumeration. It is carried alongside Code so callers needing
// fine-grained branching (e.g. distinguishing ActiveRental from
// CurrentlyRented, both CodeConflict) do not need to parse messages.
type Kind string

const (
	KindIdentityUnknown        Kind = "identity_unknown"
	KindBadSignature           Kind = "bad_signature"
	KindNoSuchTicket           Kind = "no_such_ticket"
	KindTooManyTickets         Kind = "too_many_tickets"
	KindDisconnected           Kind = "disconnected"
	KindRPCTimeout             Kind = "rpc_timeout"
	KindDoubleResolve          Kind = "double_resolve"
	KindActiveRental           Kind = "active_rental"
	KindInactiveRental         Kind = "inactive_rental"
	KindCurrentlyRented        Kind = "currently_rented"
	KindReservationExists      Kind = "reservation_exists"
	KindInsufficientSupply     Kind = "insufficient_supply"
	KindOutsideWindow          Kind = "outside_window"
	KindNoBikes                Kind = "no_bikes"
	KindWrongPickup            Kind = "wrong_pickup"
	KindUnknownEvent           Kind = "unknown_event"
	KindHandlerSignatureMismatch Kind = "handler_signature_mismatch"
	KindUnknownListener        Kind = "unknown_listener"
)

// E captures structured error information produced across the fleet stack.
type E struct {
	Domain  string
	Code    Code
	Kind    Kind
	Message string
	Meta    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given domain and code.
func New(domain string, code Code, opts ...Option) *E {
	e := &E{
		Domain: strings.TrimSpace(domain),
		Code:   code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithKind attaches the specific fleet error kind to the envelope.
func WithKind(kind Kind) Option {
	return func(e *E) { e.Kind = kind }
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) { e.Message = trimmed }
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// WithMeta merges the provided metadata into the error envelope.
func WithMeta(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Meta == nil {
			e.Meta = make(map[string]string, 1)
		}
		e.Meta[trimmedKey] = value
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	domain := strings.TrimSpace(e.Domain)
	if domain == "" {
		domain = "fleet"
	}
	parts = append(parts, domain+": "+string(e.Code))

	if e.Kind != "" {
		parts = append(parts, "kind="+string(e.Kind))
	}
	if e.Message != "" {
		parts = append(parts, strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the Code from err, if err (or something it wraps) is an *E.
func CodeOf(err error) (Code, bool) {
	var e *E
	if as(err, &e) {
		return e.Code, true
	}
	return "", false
}

// KindOf extracts the Kind from err, if err (or something it wraps) is an *E.
func KindOf(err error) (Kind, bool) {
	var e *E
	if as(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is a fleet error with the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// as is a thin indirection over errors.As kept local to avoid importing
// the standard errors package purely for one call site in two functions.
func as(err error, target **E) bool {
	for err != nil {
		if e, ok := err.(*E); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// --- Convenience constructors, one per fleet error kind. ---

func IdentityUnknown(msg string) *E {
	return New("session", CodeAuth, WithKind(KindIdentityUnknown), WithMessage(msg))
}

func BadSignature(msg string) *E {
	return New("session", CodeAuth, WithKind(KindBadSignature), WithMessage(msg))
}

func NoSuchTicket() *E {
	return New("ticketstore", CodeNotFound, WithKind(KindNoSuchTicket), WithMessage("no ticket for remote/public key"))
}

func TooManyTickets(remote string) *E {
	return New("ticketstore", CodeUnavailable, WithKind(KindTooManyTickets), WithMessage("too many open tickets"), WithMeta("remote", remote))
}

func Disconnected() *E {
	return New("rpc", CodeUnavailable, WithKind(KindDisconnected), WithMessage("socket disconnected"))
}

func RPCTimeout() *E {
	return New("rpc", CodeTimeout, WithKind(KindRPCTimeout), WithMessage("rpc call timed out"))
}

func DoubleResolve(id uint64) *E {
	return New("rpc", CodeInternal, WithKind(KindDoubleResolve), WithMessage("rpc id already resolved"), WithMeta("id", strconv.FormatUint(id, 10)))
}

func ActiveRental(rentalID int64) *E {
	return New("rental", CodeConflict, WithKind(KindActiveRental), WithMessage("user already has an active rental"), WithMeta("rental_id", strconv.FormatInt(rentalID, 10)))
}

func InactiveRental() *E {
	return New("rental", CodeConflict, WithKind(KindInactiveRental), WithMessage("user has no active rental"))
}

func CurrentlyRented() *E {
	return New("rental", CodeConflict, WithKind(KindCurrentlyRented), WithMessage("bike is currently rented"))
}

func ReservationExists(reservationID int64) *E {
	return New("reservation", CodeConflict, WithKind(KindReservationExists), WithMessage("user already has an open reservation"), WithMeta("reservation_id", strconv.FormatInt(reservationID, 10)))
}

func InsufficientSupply() *E {
	return New("reservation", CodeConflict, WithKind(KindInsufficientSupply), WithMessage("not enough bikes to guarantee this reservation"))
}

func OutsideWindow() *E {
	return New("reservation", CodeInvalid, WithKind(KindOutsideWindow), WithMessage("outside the claim window"))
}

func NoBikes() *E {
	return New("reservation", CodeUnavailable, WithKind(KindNoBikes), WithMessage("no available bikes at this pickup point"))
}

func WrongPickup() *E {
	return New("reservation", CodeInvalid, WithKind(KindWrongPickup), WithMessage("bike is not inside the reservation's pickup point"))
}

func UnknownEvent(name string) *E {
	return New("events", CodeInvalid, WithKind(KindUnknownEvent), WithMessage("unknown event"), WithMeta("event", name))
}

func HandlerSignatureMismatch(name string) *E {
	return New("events", CodeInvalid, WithKind(KindHandlerSignatureMismatch), WithMessage("handler signature does not match event"), WithMeta("event", name))
}

func UnknownListener() *E {
	return New("events", CodeNotFound, WithKind(KindUnknownListener), WithMessage("handler not currently registered"))
}
