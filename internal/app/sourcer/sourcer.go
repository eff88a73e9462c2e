// Package sourcer implements the reservation sourcer background loop: it
// watches the reservation manager via the event hub and maintains the set
// of pickup points whose near-term reservations are not backed by present
// bikes.
package sourcer

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dragorhast/fleet/internal/app/reservation"
	"github.com/dragorhast/fleet/internal/async"
	"github.com/dragorhast/fleet/internal/domain/fleet"
	"github.com/dragorhast/fleet/internal/events"
	"github.com/dragorhast/fleet/internal/logging"
)

// cullWorkers bounds how many pickups' surplus are recomputed concurrently
// during one cull pass; shortage sets are typically small, but a fleet with
// many simultaneously short pickups should not serialise store round trips.
const cullWorkers = 8

// Surplus reports available-bikes-minus-open-reservations for a pickup.
type Surplus interface {
	Surplus(ctx context.Context, pickupID int64) (int, error)
}

// heapItem is one far-term reservation waiting to enter the MinimumLead
// window.
type heapItem struct {
	reservedFor time.Time
	pickupID    int64
}

type reservationHeap []heapItem

func (h reservationHeap) Len() int            { return len(h) }
func (h reservationHeap) Less(i, j int) bool  { return h[i].reservedFor.Before(h[j].reservedFor) }
func (h reservationHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *reservationHeap) Push(x any)         { *h = append(*h, x.(heapItem)) }
func (h *reservationHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Sourcer maintains the heap of pending far-term reservations and the
// current shortage set.
type Sourcer struct {
	surplus Surplus
	hub     *events.Hub
	log     logging.Logger

	mu        sync.Mutex
	pending   reservationHeap
	shortages map[int64][]time.Time // pickup id -> reservedFor of each recorded shortage slot

	pool *async.Pool
}

// New builds a Sourcer.
func New(surplus Surplus, hub *events.Hub, log logging.Logger) *Sourcer {
	if log == nil {
		log = logging.Default()
	}
	pool, err := async.NewPool(cullWorkers, cullWorkers)
	if err != nil {
		// workers is a package constant known to be positive; this cannot fail.
		panic(err)
	}
	s := &Sourcer{
		surplus:   surplus,
		hub:       hub,
		log:       log,
		shortages: make(map[int64][]time.Time),
		pool:      pool,
	}
	heap.Init(&s.pending)
	return s
}

// Close stops the sourcer's cull worker pool. Call once at process shutdown.
func (s *Sourcer) Close() {
	s.pool.Close()
}

// Subscribe registers the sourcer's event handlers on hub. Call once at
// process boot.
func (s *Sourcer) Subscribe() error {
	if err := s.hub.Subscribe("reservation_opened", s.onOpened, false); err != nil {
		return err
	}
	return s.hub.Subscribe("reservation_cancelled", s.onCancelled, false)
}

func (s *Sourcer) onOpened(pickupID, userID int64, forTime time.Time) {
	_ = userID
	if time.Until(forTime) <= reservation.MinimumLead {
		// Near-term: the manager's own supply check at Reserve time already
		// handled this; the sourcer only tracks far-term demand.
		return
	}
	s.mu.Lock()
	heap.Push(&s.pending, heapItem{reservedFor: forTime, pickupID: pickupID})
	s.mu.Unlock()
}

func (s *Sourcer) onCancelled(res fleet.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, item := range s.pending {
		if item.pickupID == res.PickupID && item.reservedFor.Equal(res.ReservedFor) {
			heap.Remove(&s.pending, i)
			break
		}
	}
	slots := s.shortages[res.PickupID]
	for i, t := range slots {
		if t.Equal(res.ReservedFor) {
			s.shortages[res.PickupID] = append(slots[:i], slots[i+1:]...)
			break
		}
	}
	if len(s.shortages[res.PickupID]) == 0 {
		delete(s.shortages, res.PickupID)
	}
}

// Tick runs one Promote+Cull pass as of now.
func (s *Sourcer) Tick(ctx context.Context, now time.Time) error {
	if err := s.promote(ctx, now); err != nil {
		return err
	}
	return s.cull(ctx)
}

func (s *Sourcer) promote(ctx context.Context, now time.Time) error {
	for {
		s.mu.Lock()
		if s.pending.Len() == 0 || s.pending[0].reservedFor.Sub(now) > reservation.MinimumLead {
			s.mu.Unlock()
			return nil
		}
		item := heap.Pop(&s.pending).(heapItem)
		s.mu.Unlock()

		surplus, err := s.surplus.Surplus(ctx, item.pickupID)
		if err != nil {
			s.log.Error("sourcer surplus lookup failed", logging.F("pickup", item.pickupID), logging.F("error", err.Error()))
			continue
		}
		if surplus < 0 {
			s.mu.Lock()
			s.shortages[item.pickupID] = append(s.shortages[item.pickupID], item.reservedFor)
			s.mu.Unlock()
		}
	}
}

type cullResult struct {
	pickupID int64
	surplus  int
	err      error
}

// cull re-checks every pickup with a recorded shortage and drops the
// deficit's slots down to however many the current surplus still justifies.
// Lookups run on the pool so a fleet with many short pickups does not pay
// for their store round trips one at a time.
func (s *Sourcer) cull(ctx context.Context) error {
	s.mu.Lock()
	pickups := make([]int64, 0, len(s.shortages))
	for p := range s.shortages {
		pickups = append(pickups, p)
	}
	s.mu.Unlock()

	if len(pickups) == 0 {
		return nil
	}

	results := make(chan cullResult, len(pickups))
	var wg sync.WaitGroup
	for _, pickupID := range pickups {
		pickupID := pickupID
		wg.Add(1)
		task := func(taskCtx context.Context) error {
			defer wg.Done()
			surplus, err := s.surplus.Surplus(taskCtx, pickupID)
			results <- cullResult{pickupID: pickupID, surplus: surplus, err: err}
			return err
		}
		if err := s.pool.Submit(ctx, task); err != nil {
			wg.Done()
			results <- cullResult{pickupID: pickupID, err: err}
		}
	}
	wg.Wait()
	close(results)

	for res := range results {
		if res.err != nil {
			s.log.Error("sourcer surplus lookup failed", logging.F("pickup", res.pickupID), logging.F("error", res.err.Error()))
			continue
		}

		s.mu.Lock()
		slots := s.shortages[res.pickupID]
		deficit := -res.surplus
		if deficit < 0 {
			deficit = 0
		}
		if deficit < len(slots) {
			sort.Slice(slots, func(i, j int) bool { return slots[i].Before(slots[j]) })
			remove := len(slots) - deficit
			slots = slots[remove:]
		}
		if len(slots) == 0 {
			delete(s.shortages, res.pickupID)
		} else {
			s.shortages[res.pickupID] = slots
		}
		s.mu.Unlock()
	}
	return nil
}

// Shortage summarizes a pickup's recorded shortage.
type Shortage struct {
	Count    int
	Earliest time.Time
}

// Shortages returns the current shortage set, keyed by pickup id.
func (s *Sourcer) Shortages() map[int64]Shortage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int64]Shortage, len(s.shortages))
	for pickupID, slots := range s.shortages {
		earliest := slots[0]
		for _, t := range slots[1:] {
			if t.Before(earliest) {
				earliest = t
			}
		}
		out[pickupID] = Shortage{Count: len(slots), Earliest: earliest}
	}
	return out
}

// Run starts the sourcer's periodic tick loop until ctx is cancelled.
func (s *Sourcer) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := s.Tick(ctx, now); err != nil {
				s.log.Error("sourcer tick failed", logging.F("error", err.Error()))
			}
		}
	}
}
