// Package sessionid generates identifiers for peer sessions.
package sessionid

import "github.com/gofrs/uuid"

// ID identifies one peer session for its lifetime.
// A reconnect to the same peer gets a new ID.
type ID uuid.UUID

// New returns a random ID.
func New() ID {
	return ID(uuid.Must(uuid.NewV4()))
}

// String returns the canonical UUID form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Short returns the first 8 hex characters, for log prefixes.
func (id ID) Short() string {
	return id.String()[:8]
}
