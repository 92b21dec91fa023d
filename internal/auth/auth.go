// Package auth resolves the acting user for a request.
//
// Identity is established upstream (gateway or session service), which
// forwards it as X-User-ID and X-User-Role. Admin routes additionally
// require the shared X-Admin-Secret when ADMIN_SECRET is configured.
package auth

import (
	"errors"
	"strings"
)

const (
	HeaderUserID      = "X-User-ID"
	HeaderUserRole    = "X-User-Role"
	HeaderAdminSecret = "X-Admin-Secret"
)

// Role of the acting party.
type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

var (
	ErrNoActor     = errors.New("authenticated user required")
	ErrInvalidRole = errors.New("invalid role")
)

// Actor is the identity a request acts as.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// System is the actor used for sweeper-driven transitions.
var System = Actor{ID: "system", Role: RoleSystem}

// ParseRole normalizes a role header value. Empty means user.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", ErrInvalidRole
	}
}
