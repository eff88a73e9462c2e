package rental

import (
	"reflect"

	"github.com/shopspring/decimal"

	"github.com/dragorhast/fleet/internal/domain/fleet"
	"github.com/dragorhast/fleet/internal/events"
)

// Events is the event list the rental manager publishes onto the shared hub.
var Events = events.EventList{Descriptors: []events.Descriptor{
	{
		Name:       "rental_started",
		ParamNames: []string{"user_id", "bike", "rental"},
		ParamTypes: []reflect.Type{
			events.TypeOf(int64(0)),
			events.TypeOf(fleet.PublicKey{}),
			events.TypeOf(fleet.Rental{}),
		},
	},
	{
		Name:       "rental_ended",
		ParamNames: []string{"user_id", "bike", "rental", "price", "distance"},
		ParamTypes: []reflect.Type{
			events.TypeOf(int64(0)),
			events.TypeOf(fleet.PublicKey{}),
			events.TypeOf(fleet.Rental{}),
			events.TypeOf(decimal.Decimal{}),
			events.TypeOf(float64(0)),
		},
	},
	{
		Name:       "rental_cancelled",
		ParamNames: []string{"user_id", "bike", "rental"},
		ParamTypes: []reflect.Type{
			events.TypeOf(int64(0)),
			events.TypeOf(fleet.PublicKey{}),
			events.TypeOf(fleet.Rental{}),
		},
	},
}}
