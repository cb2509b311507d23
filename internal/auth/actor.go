// Package auth carries the caller identity asserted by the upstream
// gateway. Authentication itself happens before requests reach this service.
package auth

import (
	"context"
	"errors"
	"fmt"
)

// Role is the caller's role.
type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system" // deadline sweep
)

// ErrNoActor is returned when a request carries no identity.
var ErrNoActor = errors.New("auth: no actor")

// Actor is a verified caller. Verified is the caller's own verification
// tier, not an authentication flag.
type Actor struct {
	ID       string `json:"id"`
	Role     Role   `json:"role"`
	Verified bool   `json:"verified"`
}

// System is the actor the deadline sweep acts as.
var System = Actor{ID: "system", Role: RoleSystem}

// Validate checks the actor is well formed.
func (a Actor) Validate() error {
	if a.ID == "" {
		return ErrNoActor
	}
	switch a.Role {
	case RoleUser, RoleAdmin, RoleSystem:
		return nil
	default:
		return fmt.Errorf("auth: unknown role %q", a.Role)
	}
}

func (a Actor) IsAdmin() bool  { return a.Role == RoleAdmin }
func (a Actor) IsSystem() bool { return a.Role == RoleSystem }

type actorKey struct{}

// WithActor stores the actor in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor stored in ctx.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
