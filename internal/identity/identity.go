// Package identity defines the verified-user port. Authentication itself
// happens in an external identity service; this layer receives already-issued
// user ids and only resolves them against the user directory it is handed.
package identity

import "context"

// User is the verified identity attached to a connection.
type User struct {
	ID          string `json:"_id"`
	DisplayName string `json:"name"`
}

// Directory resolves user ids. The Postgres store implements it in
// production; tests use map-backed fakes.
type Directory interface {
	// Verify returns the user for the id, or a NotFoundError.
	Verify(ctx context.Context, userID string) (User, error)
	// Exists reports whether the id is known.
	Exists(ctx context.Context, userID string) (bool, error)
}
