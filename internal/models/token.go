package models

import (
	"strings"
	"time"
)

// Role is the privilege class carried by a token; it governs quotas.
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleDeveloper Role = "DEVELOPER"
	RoleGuest     Role = "GUEST"
)

// ParseRole normalizes a role string from the token service. Unknown values
// collapse to GUEST so quota lookups stay total.
func ParseRole(s string) Role {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ADMIN":
		return RoleAdmin
	case "DEVELOPER":
		return RoleDeveloper
	default:
		return RoleGuest
	}
}

// TokenInfo is the token service's answer for an opaque token.
type TokenInfo struct {
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the token had expired as of now. A zero
// ExpiresAt means the token does not expire.
func (t TokenInfo) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}
