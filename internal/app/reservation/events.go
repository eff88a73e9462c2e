package reservation

import (
	"reflect"
	"time"

	"github.com/dragorhast/fleet/internal/domain/fleet"
	"github.com/dragorhast/fleet/internal/events"
)

// Events is the event list the reservation manager publishes onto the
// shared hub; the reservation sourcer subscribes to reservation_opened and
// reservation_cancelled.
var Events = events.EventList{Descriptors: []events.Descriptor{
	{
		Name:       "reservation_opened",
		ParamNames: []string{"pickup_id", "user_id", "for_time"},
		ParamTypes: []reflect.Type{
			events.TypeOf(int64(0)),
			events.TypeOf(int64(0)),
			events.TypeOf(time.Time{}),
		},
	},
	{
		Name:       "reservation_claimed",
		ParamNames: []string{"reservation"},
		ParamTypes: []reflect.Type{events.TypeOf(fleet.Reservation{})},
	},
	{
		Name:       "reservation_cancelled",
		ParamNames: []string{"reservation"},
		ParamTypes: []reflect.Type{events.TypeOf(fleet.Reservation{})},
	},
	{
		Name:       "reservation_expired",
		ParamNames: []string{"reservation"},
		ParamTypes: []reflect.Type{events.TypeOf(fleet.Reservation{})},
	},
}}
