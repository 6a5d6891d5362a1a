// Package account stores registered users and issues the access tokens that
// clients present to the REST API and, in strict identity mode, to the
// WebSocket identify handshake.
package account

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Known roles.
const (
	RoleUser      = "user"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

var knownRoles = []string{RoleUser, RoleModerator, RoleAdmin}

var (
	ErrNotFound           = errors.New("account: user not found")
	ErrInvalidCredentials = errors.New("account: invalid password")
	ErrUserExists         = errors.New("account: username or email already in use")
	ErrUnknownRole        = errors.New("account: unknown role")
	ErrTokenRevoked       = errors.New("account: token revoked")
	ErrIdentityMismatch   = errors.New("account: token subject does not match user id")
)

// User is a registered account.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewUser carries a signup request.
type NewUser struct {
	Username string
	Email    string
	Password string
	Roles    []string // empty means RoleUser
}

// Authorities returns the user's roles as ROLE_* authority names.
func (u *User) Authorities() []string {
	return lo.Map(u.Roles, func(r string, _ int) string {
		return "ROLE_" + strings.ToUpper(r)
	})
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role string) bool {
	return lo.Contains(u.Roles, role)
}

// normalizeRoles deduplicates roles and rejects unknown names.
func normalizeRoles(roles []string) ([]string, error) {
	if len(roles) == 0 {
		return []string{RoleUser}, nil
	}
	roles = lo.Uniq(lo.Map(roles, func(r string, _ int) string {
		return strings.ToLower(strings.TrimSpace(r))
	}))
	if unknown, _ := lo.Difference(roles, knownRoles); len(unknown) > 0 {
		return nil, errors.Join(ErrUnknownRole, errors.New(strings.Join(unknown, ", ")))
	}
	return roles, nil
}
