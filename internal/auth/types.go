package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// Common authentication errors
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("admin role required")
	ErrUserNotFound    = errors.New("user not found")
	ErrUserInactive    = errors.New("user is not active")
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
)

// Roles
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// User statuses
const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is an actor known to the directory
type User struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"displayName,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles"`
	Status      string   `json:"status"`
	CreatedAt   int64    `json:"createdAt"`
	UpdatedAt   int64    `json:"updatedAt"`
}

// HasRole reports whether the user holds role
func (u *User) HasRole(role string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the user may change settings
func (u *User) IsAdmin() bool {
	return u.HasRole(RoleAdmin)
}

// Claims represents JWT token claims
type Claims struct {
	Username string   `json:"username,omitempty"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}
