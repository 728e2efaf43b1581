package domain

import "time"

// Tenant is an API consumer. Keys are stored as untagged SHA-256 hex;
// plaintext keys exist only in the caller's hands.
type Tenant struct {
	ID         string
	Name       string
	APIKeyHash string
	CreatedAt  time.Time
}
