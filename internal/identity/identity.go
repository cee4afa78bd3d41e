// Package identity models the authenticated caller. The platform's auth service issues
// the tokens; this service only verifies them and threads the result explicitly
// through every chat operation.
package identity

import (
	"context"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleHR         Role = "hr"
	RoleCoach      Role = "coach"
	RoleEmployee   Role = "employee"
	RoleIndividual Role = "individual"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleHR, RoleCoach, RoleEmployee, RoleIndividual:
		return true
	}
	return false
}

type Identity struct {
	UserID         uuid.UUID
	Role           Role
	OrganizationID *uuid.UUID
}

func (i Identity) IsCoach() bool { return i.Role == RoleCoach }

type contextKey struct{}

func WithContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.UserID != uuid.Nil
}
