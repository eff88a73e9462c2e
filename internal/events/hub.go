// Package events implements the typed publish/subscribe spine the fleet
// managers emit on and background observers (the reservation sourcer, the
// statistics reporter) subscribe to.
//
// The source this was distilled from intercepted attribute access on an
// event-list object to turn event names into emitter handles at runtime.
// Go has no equivalent dynamic dispatch worth imitating, so event lists are
// an explicit, compile-time Descriptor registry instead; handler signatures
// are checked once at Subscribe time via reflection rather than at every
// emit.
package events

import (
	"reflect"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/dragorhast/fleet/errs"
	"github.com/dragorhast/fleet/internal/logging"
)

// Descriptor names one event and the Go types of its parameters, in order.
type Descriptor struct {
	Name       string
	ParamNames []string
	ParamTypes []reflect.Type
}

// EventList is a named, related set of event descriptors, mirroring the
// source's grouping of events by owning component (RentalEvent,
// ReservationEvent, SessionEvent).
type EventList struct {
	Descriptors []Descriptor
}

// TypeOf returns the reflect.Type of a zero-value example, used by callers
// building Descriptor.ParamTypes literals.
func TypeOf(zero any) reflect.Type {
	return reflect.TypeOf(zero)
}

type subscription struct {
	handler reflect.Value
	async   bool
}

// Hub dispatches named events to subscribed handlers. It is safe for
// concurrent use.
type Hub struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	subs        map[string][]subscription
	log         logging.Logger
}

// NewHub builds a Hub offering the union of events named by lists.
func NewHub(log logging.Logger, lists ...EventList) *Hub {
	if log == nil {
		log = logging.Default()
	}
	h := &Hub{
		descriptors: make(map[string]Descriptor),
		subs:        make(map[string][]subscription),
		log:         log,
	}
	for _, list := range lists {
		for _, d := range list.Descriptors {
			h.descriptors[d.Name] = d
		}
	}
	return h
}

// Subscribe registers handler against event. async controls whether the
// handler runs in the synchronous phase of Emit (false) or the asynchronous
// phase that follows it (true). handler must be a func whose parameters
// match the event's declared parameter types in count and type; it may
// optionally return a single error value, which is logged and swallowed.
func (h *Hub) Subscribe(event string, handler any, async bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	desc, ok := h.descriptors[event]
	if !ok {
		return errs.UnknownEvent(event)
	}
	if err := checkSignature(desc, handler); err != nil {
		return err
	}

	h.subs[event] = append(h.subs[event], subscription{
		handler: reflect.ValueOf(handler),
		async:   async,
	})
	return nil
}

// Unsubscribe removes the first registration of handler against event.
func (h *Hub) Unsubscribe(event string, handler any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.descriptors[event]; !ok {
		return errs.UnknownEvent(event)
	}

	target := reflect.ValueOf(handler).Pointer()
	subs := h.subs[event]
	for i, s := range subs {
		if s.handler.Pointer() == target {
			h.subs[event] = append(subs[:i:i], subs[i+1:]...)
			return nil
		}
	}
	return errs.UnknownListener()
}

// Emit dispatches event to every subscribed handler: synchronous handlers
// run first, in registration order, on the calling goroutine; asynchronous
// handlers then run in registration order, each awaited before the next
// starts, on a goroutine of their own so a blocking handler cannot stall
// the caller indefinitely. A handler failure (error return or panic) is
// logged and does not prevent other handlers from running.
func (h *Hub) Emit(event string, args ...any) {
	h.mu.RLock()
	desc, ok := h.descriptors[event]
	subs := append([]subscription(nil), h.subs[event]...)
	h.mu.RUnlock()

	if !ok {
		h.log.Error("emit of unknown event", logging.F("event", event))
		return
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		if a == nil && i < len(desc.ParamTypes) {
			in[i] = reflect.Zero(desc.ParamTypes[i])
			continue
		}
		in[i] = reflect.ValueOf(a)
	}

	for _, s := range subs {
		if !s.async {
			h.invoke(event, s, in)
		}
	}
	for _, s := range subs {
		if !s.async {
			continue
		}
		var wg conc.WaitGroup
		s := s
		wg.Go(func() { h.invoke(event, s, in) })
		wg.Wait()
	}
}

func (h *Hub) invoke(event string, s subscription, in []reflect.Value) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("event handler panicked", logging.F("event", event), logging.F("recover", r))
		}
	}()

	out := s.handler.Call(in)
	if len(out) == 0 {
		return
	}
	if errVal, ok := out[len(out)-1].Interface().(error); ok && errVal != nil {
		h.log.Error("event handler failed", logging.F("event", event), logging.F("error", errVal.Error()))
	}
}

func checkSignature(desc Descriptor, handler any) error {
	v := reflect.ValueOf(handler)
	if v.Kind() != reflect.Func {
		return errs.HandlerSignatureMismatch(desc.Name)
	}
	t := v.Type()
	if t.NumIn() != len(desc.ParamTypes) {
		return errs.HandlerSignatureMismatch(desc.Name)
	}
	for i, want := range desc.ParamTypes {
		got := t.In(i)
		if want != nil && got != want && !got.AssignableTo(want) {
			return errs.HandlerSignatureMismatch(desc.Name)
		}
	}
	if t.NumOut() > 1 {
		return errs.HandlerSignatureMismatch(desc.Name)
	}
	if t.NumOut() == 1 {
		errType := reflect.TypeOf((*error)(nil)).Elem()
		if !t.Out(0).Implements(errType) {
			return errs.HandlerSignatureMismatch(desc.Name)
		}
	}
	return nil
}
