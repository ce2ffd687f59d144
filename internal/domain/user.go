// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen      = 64
	MaxDisplayNameLen = 64
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrUserIDTooLong      = errors.New("user id too long")
	ErrUnknownRole        = errors.New("unknown role")
)

type UserID string

// Identity is what the identity provider hands to the core before a join.
// It is resolved once per join attempt and treated as read-only afterwards.
type Identity struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// NewIdentity validates input and fills a random id when none is given.
func NewIdentity(id, displayName string, role Role) (Identity, error) {
	displayName = strings.TrimSpace(displayName)
	if len(displayName) == 0 {
		return Identity{}, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return Identity{}, ErrDisplayNameTooLong
	}
	if len(id) > MaxUserIDLen {
		return Identity{}, ErrUserIDTooLong
	}
	if !role.Valid() {
		return Identity{}, ErrUnknownRole
	}
	if id == "" {
		id = uuid.NewString()
	}
	return Identity{ID: UserID(id), DisplayName: displayName, Role: role}, nil
}

// Polite reports whether self yields during offer collisions with remote.
// The lexicographically lower id is the polite side.
func Polite(self, remote UserID) bool {
	return self < remote
}
