// Package scope carries the pharmacy a request is confined to. Repositories
// read it to set the row level security context of their transaction.
package scope

import (
	"context"
	"errors"
)

type contextKey string

const pharmacyIDKey contextKey = "pharmacy_id"

var (
	// ErrNoPharmacyInContext is returned when the pharmacy scope is missing
	ErrNoPharmacyInContext = errors.New("no pharmacy in context")
)

// WithPharmacyID adds the pharmacy scope to the context.
// Called by the auth middleware after validating the access token.
func WithPharmacyID(ctx context.Context, pharmacyID string) context.Context {
	return context.WithValue(ctx, pharmacyIDKey, pharmacyID)
}

// PharmacyID extracts the pharmacy scope from context
func PharmacyID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(pharmacyIDKey).(string)
	if !ok || id == "" {
		return "", ErrNoPharmacyInContext
	}
	return id, nil
}

// Allows reports whether a request scoped by ctx may read pharmacyID's data.
// Unscoped contexts (operators, accountants, system jobs) may read any pharmacy.
func Allows(ctx context.Context, pharmacyID string) bool {
	own, err := PharmacyID(ctx)
	if err != nil {
		return true
	}
	return own == pharmacyID
}
