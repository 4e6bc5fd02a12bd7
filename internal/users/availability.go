package users

import (
	"context"
	"math/rand/v2"

	"github.com/MarcoPoloResearchLab/participa/backend/internal/slug"
)

// Availability is the outcome of a uniqueness check.
type Availability string

const (
	AvailabilityAvailable    Availability = "available"
	AvailabilityTakenByOther Availability = "taken_by_other"
)

const maxSequentialUsernameSuffix = 20

// CollisionResolver decides whether a username or email is free for an account.
// Its answer is advisory: the unique indexes re-validate every write at commit.
type CollisionResolver struct {
	store *Store
}

// NewCollisionResolver constructs a resolver over the account store.
func NewCollisionResolver(store *Store) *CollisionResolver {
	return &CollisionResolver{store: store}
}

// CheckAvailability reports whether value is owned by an account other than excludingAccountID.
func (r *CollisionResolver) CheckAvailability(ctx context.Context, field Field, value, excludingAccountID string) (Availability, error) {
	taken, err := r.store.valueTaken(ctx, field, value, excludingAccountID)
	if err != nil {
		return "", err
	}
	if taken {
		return AvailabilityTakenByOther, nil
	}
	return AvailabilityAvailable, nil
}

// SuggestUsername returns base when free, otherwise the first free numeric-suffixed variant.
func (r *CollisionResolver) SuggestUsername(ctx context.Context, base string) (string, error) {
	if base == "" {
		base = slug.Fallback
	}
	candidate := base
	for suffix := 2; suffix <= maxSequentialUsernameSuffix+1; suffix++ {
		availability, err := r.CheckAvailability(ctx, FieldUsername, candidate, "")
		if err != nil {
			return "", err
		}
		if availability == AvailabilityAvailable {
			return candidate, nil
		}
		candidate = slug.WithSuffix(base, suffix)
	}
	return slug.WithSuffix(base, 100000+rand.IntN(900000)), nil
}
