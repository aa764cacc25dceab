// Package actor identifies the user or system performing an action. It is
// used for audit fields such as barman_orders.placed_by and for log context.
package actor

import (
	"context"
	"fmt"
)

// SystemID identifies actions taken by the service itself
const SystemID = "00000000-0000-0000-0000-000000000000"

// Actor represents the entity performing an action in the system
type Actor struct {
	// ID is the subject of the access token
	ID string `json:"id"`

	Email string `json:"email"`

	// Role is the portal role (pharmacy_manager, pharmacy_staff, accountant, admin)
	Role string `json:"role"`

	// PharmacyID is empty for roles that are not bound to one pharmacy
	PharmacyID string `json:"pharmacy_id,omitempty"`
}

// String returns a string representation of the actor for logging
func (a *Actor) String() string {
	if a == nil {
		return "system"
	}
	return fmt.Sprintf("%s (%s)", a.Email, a.Role)
}

// Label is the value recorded in audit columns
func (a *Actor) Label() string {
	if a == nil || a.IsSystem() {
		return "system"
	}
	if a.Email != "" {
		return a.Email
	}
	return a.ID
}

type contextKey string

const actorContextKey contextKey = "actor"

// FromContext retrieves the Actor from the context.
// Returns nil if no actor is present (e.g., event consumers).
func FromContext(ctx context.Context) *Actor {
	if ctx == nil {
		return nil
	}
	a, ok := ctx.Value(actorContextKey).(*Actor)
	if !ok {
		return nil
	}
	return a
}

// WithActor returns a new context with the Actor attached.
func WithActor(ctx context.Context, a *Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey, a)
}

// SystemActor returns an Actor representing the service itself
func SystemActor() *Actor {
	return &Actor{
		ID:    SystemID,
		Email: "system@pharmaportal.local",
		Role:  "system",
	}
}

// IsSystem returns true if the actor represents the system.
func (a *Actor) IsSystem() bool {
	if a == nil {
		return true
	}
	return a.ID == SystemID
}
