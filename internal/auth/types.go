package auth

import (
	"errors"
	"slices"
)

// Role is the access tier granted by a container token.
type Role string

const (
	// RoleObserver may describe components, read their VAs and subscribe to
	// VAs and DataFlows. It never changes hardware state.
	RoleObserver Role = "observer"

	// RoleOperator may also write VAs, call methods, fire events and cancel
	// futures.
	RoleOperator Role = "operator"
)

// ValidRoles is the set of roles a token may carry.
var ValidRoles = []Role{RoleObserver, RoleOperator}

// IsValidRole returns true if r is one of ValidRoles.
func IsValidRole(r Role) bool {
	return slices.Contains(ValidRoles, r)
}

// Sentinel errors for auth operations.
var (
	ErrTokenMissing = errors.New("missing token")
	ErrTokenInvalid = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role")
)
