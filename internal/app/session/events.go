package session

import (
	"reflect"

	"github.com/dragorhast/fleet/internal/domain/fleet"
	"github.com/dragorhast/fleet/internal/events"
)

// Events is the event list the session layer publishes onto the shared hub.
var Events = events.EventList{Descriptors: []events.Descriptor{
	{
		Name:       "bike_moved",
		ParamNames: []string{"bike", "location"},
		ParamTypes: []reflect.Type{
			events.TypeOf(fleet.PublicKey{}),
			events.TypeOf(fleet.Location{}),
		},
	},
}}
