// Package postgres implements the fleet coordinator's persistence.Store
// interfaces (rental.Store, reservation.Store, session.Registry,
// reservation.Pickups) against a real PostgreSQL database via pgx.
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dragorhast/fleet/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed repositories for every fleet domain
// boundary the application layer depends on.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}
