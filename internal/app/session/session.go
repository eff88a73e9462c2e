// Package session implements the bike session layer: challenge/response
// handshake admission, the live registry of connected bikes, and the
// notification/command surface.
package session

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/dragorhast/fleet/errs"
	"github.com/dragorhast/fleet/internal/app/rpc"
	"github.com/dragorhast/fleet/internal/app/ticketstore"
	"github.com/dragorhast/fleet/internal/domain/fleet"
	"github.com/dragorhast/fleet/internal/domain/geo"
	"github.com/dragorhast/fleet/internal/events"
	"github.com/dragorhast/fleet/internal/logging"
)

// Socket abstracts the bidirectional frame transport underneath one bike's
// session, so the manager does not depend directly on a WebSocket library;
// the HTTP server wires a concrete coder/websocket-backed implementation.
type Socket interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close(reason string) error
}

// Registry is the persisted-bike boundary the session layer consults during
// handshake and notification handling.
type Registry interface {
	IsRegistered(ctx context.Context, key fleet.PublicKey) (bool, error)
	RecordLocationUpdate(ctx context.Context, key fleet.PublicKey, loc fleet.Location) error
}

// PickupIndex resolves which pickup point, if any, contains a point.
type PickupIndex interface {
	Containing(ctx context.Context, p geo.Point) (*fleet.PickupPoint, error)
}

// locationUpdateParams is the wire shape of the location_update notification.
type locationUpdateParams struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
	Bat  float64 `json:"bat"`
}

type frameEnvelope struct {
	ID     *uint64          `json:"id,omitempty"`
	Method string           `json:"method,omitempty"`
	Params json.RawMessage  `json:"params,omitempty"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *rpc.ErrorObject `json:"error,omitempty"`
}

type liveSession struct {
	mu       sync.RWMutex
	socket   Socket
	rpc      *rpc.Channel
	location *fleet.Location
	battery  *float64
	locked   *bool
}

func (s *liveSession) connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.socket != nil && s.location != nil && s.battery != nil && s.locked != nil
}

// Manager owns the authentication handshake and the live registry of
// connected bikes.
type Manager struct {
	registry   Registry
	pickups    PickupIndex
	tickets    *ticketstore.Store
	hub        *events.Hub
	log        logging.Logger
	rpcTimeout time.Duration

	mu   sync.RWMutex
	live map[fleet.PublicKey]*liveSession
}

// Config carries the Manager's constructor dependencies.
type Config struct {
	Registry   Registry
	Pickups    PickupIndex
	Tickets    *ticketstore.Store
	Hub        *events.Hub
	Log        logging.Logger
	RPCTimeout time.Duration
}

// New builds a Manager.
func New(cfg Config) *Manager {
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Manager{
		registry:   cfg.Registry,
		pickups:    cfg.Pickups,
		tickets:    cfg.Tickets,
		hub:        cfg.Hub,
		log:        log,
		rpcTimeout: timeout,
		live:       make(map[fleet.PublicKey]*liveSession),
	}
}

// BeginHandshake is step one of the bike connect wire protocol: it verifies the
// bike is registered and issues a fresh challenge.
func (m *Manager) BeginHandshake(ctx context.Context, remote string, key fleet.PublicKey) ([64]byte, error) {
	registered, err := m.registry.IsRegistered(ctx, key)
	if err != nil {
		return [64]byte{}, err
	}
	if !registered {
		return [64]byte{}, errs.IdentityUnknown("public key not registered")
	}

	ticket, err := m.tickets.Issue(remote, key, time.Now())
	if err != nil {
		return [64]byte{}, err
	}
	return ticket.Challenge, nil
}

// CompleteHandshake is step two: the bike signs its challenge with its
// private key over the WebSocket upgrade. On success the socket is promoted
// to a live session, closing any prior socket for the same bike.
func (m *Manager) CompleteHandshake(ctx context.Context, remote string, key fleet.PublicKey, signature [64]byte, socket Socket) error {
	ticket, err := m.tickets.Claim(remote, key)
	if err != nil {
		return err
	}

	if !ed25519.Verify(ed25519.PublicKey(key[:]), ticket.Challenge[:], signature[:]) {
		return errs.BadSignature("challenge signature does not verify")
	}

	m.admit(key, socket)
	go m.readLoop(ctx, key, socket)
	return nil
}

func (m *Manager) admit(key fleet.PublicKey, socket Socket) {
	m.mu.Lock()
	prior, existed := m.live[key]
	session := &liveSession{socket: socket}
	m.live[key] = session
	m.mu.Unlock()

	if existed {
		_ = prior.socket.Close("replaced by new session")
		if prior.rpc != nil {
			prior.rpc.Disconnected()
		}
	}

	session.rpc = rpc.NewChannel(socketSender{socket}, m.log)
}

type socketSender struct{ socket Socket }

func (s socketSender) Send(ctx context.Context, frame []byte) error {
	return s.socket.Send(ctx, frame)
}

func (m *Manager) readLoop(ctx context.Context, key fleet.PublicKey, socket Socket) {
	for {
		frame, err := socket.Receive(ctx)
		if err != nil {
			m.handleDisconnect(key, socket)
			return
		}
		m.dispatchFrame(ctx, key, frame)
	}
}

func (m *Manager) dispatchFrame(ctx context.Context, key fleet.PublicKey, frame []byte) {
	var env frameEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		m.log.Error("malformed rpc frame", logging.F("bike", key.ShortID()), logging.F("error", err.Error()))
		return
	}

	session := m.session(key)
	if session == nil {
		return
	}

	switch {
	case env.ID != nil && env.Method == "":
		_ = session.rpc.Resolve(rpc.Response{ID: *env.ID, Result: env.Result, Error: env.Error})
	case env.Method == "location_update":
		m.handleLocationUpdate(ctx, key, session, env.Params)
	default:
		m.log.Error("unhandled frame", logging.F("bike", key.ShortID()), logging.F("method", env.Method))
	}
}

func (m *Manager) handleLocationUpdate(ctx context.Context, key fleet.PublicKey, session *liveSession, raw json.RawMessage) {
	var params locationUpdateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		m.log.Error("malformed location_update", logging.F("bike", key.ShortID()), logging.F("error", err.Error()))
		return
	}

	now := time.Now()
	point := geo.Point{Lat: params.Lat, Long: params.Long}

	var pickupID *int64
	if m.pickups != nil {
		if pickup, err := m.pickups.Containing(ctx, point); err == nil && pickup != nil {
			id := pickup.ID
			pickupID = &id
		}
	}

	loc := fleet.Location{Point: point, Timestamp: now, PickupID: pickupID}

	session.mu.Lock()
	session.location = &loc
	battery := params.Bat
	session.battery = &battery
	session.mu.Unlock()

	if m.registry != nil {
		if err := m.registry.RecordLocationUpdate(ctx, key, loc); err != nil {
			m.log.Error("record location update", logging.F("bike", key.ShortID()), logging.F("error", err.Error()))
		}
	}

	if m.hub != nil {
		m.hub.Emit("bike_moved", key, loc)
	}
}

func (m *Manager) handleDisconnect(key fleet.PublicKey, socket Socket) {
	m.mu.Lock()
	session, ok := m.live[key]
	// A replaced socket's read loop must not remove its successor.
	ok = ok && session.socket == socket
	if ok {
		delete(m.live, key)
	}
	m.mu.Unlock()

	if ok && session.rpc != nil {
		session.rpc.Disconnected()
	}
}

// SetLock issues a lock (locked=true) or unlock (locked=false) command to
// the bike and records the new lock state on success.
func (m *Manager) SetLock(ctx context.Context, key fleet.PublicKey, locked bool) error {
	session := m.session(key)
	if session == nil {
		return errs.Disconnected()
	}

	method := "unlock"
	if locked {
		method = "lock"
	}
	if _, err := session.rpc.Call(ctx, method, nil, m.rpcTimeout); err != nil {
		return err
	}

	session.mu.Lock()
	l := locked
	session.locked = &l
	session.mu.Unlock()
	return nil
}

func (m *Manager) session(key fleet.PublicKey) *liveSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live[key]
}

// MostRecentLocation returns the bike's last reported location, if any.
func (m *Manager) MostRecentLocation(key fleet.PublicKey) (fleet.Location, bool) {
	session := m.session(key)
	if session == nil {
		return fleet.Location{}, false
	}
	session.mu.RLock()
	defer session.mu.RUnlock()
	if session.location == nil {
		return fleet.Location{}, false
	}
	return *session.location, true
}

// BikesIn scans the live registry for bikes whose last known location lies
// within area.
func (m *Manager) BikesIn(area geo.Polygon) []fleet.PublicKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found []fleet.PublicKey
	for key, session := range m.live {
		session.mu.RLock()
		loc := session.location
		session.mu.RUnlock()
		if loc != nil && area.Contains(loc.Point) {
			found = append(found, key)
		}
	}
	return found
}

// LowBattery returns every connected bike whose battery is at or below
// threshold.
func (m *Manager) LowBattery(threshold float64) []fleet.PublicKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found []fleet.PublicKey
	for key, session := range m.live {
		session.mu.RLock()
		battery := session.battery
		session.mu.RUnlock()
		if battery != nil && *battery <= threshold {
			found = append(found, key)
		}
	}
	return found
}

// IsConnected reports whether the bike's live session has all four
// attributes (socket, location, battery, lock state) set.
func (m *Manager) IsConnected(key fleet.PublicKey) bool {
	session := m.session(key)
	return session != nil && session.connected()
}

// IsLocked reports the bike's last known lock state.
func (m *Manager) IsLocked(key fleet.PublicKey) (bool, bool) {
	session := m.session(key)
	if session == nil {
		return false, false
	}
	session.mu.RLock()
	defer session.mu.RUnlock()
	if session.locked == nil {
		return false, false
	}
	return *session.locked, true
}

// BatteryLevel reports the bike's last known battery percentage.
func (m *Manager) BatteryLevel(key fleet.PublicKey) (float64, bool) {
	session := m.session(key)
	if session == nil {
		return 0, false
	}
	session.mu.RLock()
	defer session.mu.RUnlock()
	if session.battery == nil {
		return 0, false
	}
	return *session.battery, true
}

// CloseAll sends a going-away close to every live socket and clears the
// registry, for use at process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make(map[fleet.PublicKey]*liveSession, len(m.live))
	for k, v := range m.live {
		sessions[k] = v
	}
	m.live = make(map[fleet.PublicKey]*liveSession)
	m.mu.Unlock()

	for _, session := range sessions {
		_ = session.socket.Close("server shutting down")
		if session.rpc != nil {
			session.rpc.Disconnected()
		}
	}
}
