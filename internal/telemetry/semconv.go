// Package telemetry provides semantic conventions for fleet coordinator observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for fleet-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventType is the attribute key for event hub event names.
	AttrEventType = attribute.Key("event.type")
	// AttrPickupID is the attribute key for pickup point identifiers.
	AttrPickupID = attribute.Key("pickup.id")
	// AttrBikeID is the attribute key for a bike's short public key.
	AttrBikeID = attribute.Key("bike.id")
	// AttrMessageType is the attribute key for RPC frame kinds.
	AttrMessageType = attribute.Key("message.type")
	// AttrRPCMethod is the attribute key for RPC method names.
	AttrRPCMethod = attribute.Key("rpc.method")
	// AttrRentalState is the attribute key for rental lifecycle labels.
	AttrRentalState = attribute.Key("rental.state")
	// AttrReservationOutcome is the attribute key for reservation outcome labels.
	AttrReservationOutcome = attribute.Key("reservation.outcome")
	// AttrPoolName is the attribute key for pool identifiers.
	AttrPoolName = attribute.Key("pool.name")
	// AttrObjectType is the attribute key for pooled object types.
	AttrObjectType = attribute.Key("object.type")
	// AttrOperation is the attribute key for operation labels.
	AttrOperation = attribute.Key("operation")
	// AttrResult is the attribute key for operation result labels.
	AttrResult = attribute.Key("result")
	// AttrEnvironment is the attribute key for environment identifiers.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType is the attribute key for error kind labels (errs.Kind).
	AttrErrorType = attribute.Key("error.type")
	// AttrReason is the attribute key for error reasons.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState is the attribute key for bike socket connection state.
	AttrConnectionState = attribute.Key("connection.state")
)

// Event type values emitted onto the shared event hub.
const (
	EventTypeBikeMoved            = "bike_moved"
	EventTypeRentalStarted        = "rental_started"
	EventTypeRentalEnded          = "rental_ended"
	EventTypeRentalCancelled      = "rental_cancelled"
	EventTypeReservationOpened    = "reservation_opened"
	EventTypeReservationClaimed   = "reservation_claimed"
	EventTypeReservationCancelled = "reservation_cancelled"
	EventTypeReservationExpired   = "reservation_expired"
)

// Connection state values for a bike's WebSocket session.
const (
	ConnectionStateHandshaking = "handshaking"
	ConnectionStateConnected   = "connected"
	ConnectionStateDisconnected = "disconnected"
)

// Helper functions for creating common attribute sets.

// EventAttributes returns common attributes for event hub metrics.
func EventAttributes(environment, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
}

// RentalAttributes returns attributes for rental lifecycle metrics.
func RentalAttributes(environment, bikeID, state string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRentalState.String(state),
	}
	if bikeID != "" {
		attrs = append(attrs, AttrBikeID.String(bikeID))
	}
	return attrs
}

// ReservationAttributes returns attributes for reservation outcome metrics.
func ReservationAttributes(environment string, pickupID int64, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrPickupID.Int64(pickupID),
		AttrReservationOutcome.String(outcome),
	}
}

// PoolAttributes returns common attributes for worker pool metrics.
func PoolAttributes(environment, poolName, objectType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrPoolName.String(poolName),
		AttrObjectType.String(objectType),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// RPCAttributes returns attributes for bike RPC call metrics.
func RPCAttributes(environment, method, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRPCMethod.String(method),
		AttrResult.String(result),
	}
}

// ConnectionAttributes returns attributes for bike connection state metrics.
func ConnectionAttributes(environment, bikeID, state string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrConnectionState.String(state),
	}
	if bikeID != "" {
		attrs = append(attrs, AttrBikeID.String(bikeID))
	}
	return attrs
}

// MessageAttributes returns attributes for RPC frame metrics.
func MessageAttributes(environment, messageType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrMessageType.String(messageType),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
