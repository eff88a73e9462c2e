package postgres

import (
	"context"

	"github.com/dragorhast/fleet/internal/domain/fleet"
)

// ResolveUser maps an external identity token to an internal user record,
// creating one on first sight.
func (s *Store) ResolveUser(ctx context.Context, externalID, name, email string) (fleet.User, error) {
	var u fleet.User
	err := s.Pool().QueryRow(ctx,
		`INSERT INTO "user" (external_id, name, email)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (external_id) DO UPDATE SET external_id = EXCLUDED.external_id
		 RETURNING id, external_id, name, email, admin, customer_id`,
		externalID, name, email,
	).Scan(&u.ID, &u.ExternalID, &u.Name, &u.Email, &u.Admin, &u.CustomerID)
	return u, err
}
