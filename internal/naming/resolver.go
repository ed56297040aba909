package naming

import (
	"strconv"

	apperrors "github.com/schemaflow/schemaflow/internal/errors"
)

// DefaultMaxSuffixAttempts bounds the numeric suffix search.
const DefaultMaxSuffixAttempts = 1000

// OwnerFunc reports the source that owns an identifier within one scope.
// An empty source with exists=true marks a pre-declared identifier that any
// source may claim.
type OwnerFunc func(name string) (source string, exists bool)

// Resolver assigns collision-free identifiers within a scope such as the
// columns of one table or the set of table names in a schema.
type Resolver struct {
	Convention  Convention
	MaxAttempts int
}

// NewResolver returns a resolver using conv.
func NewResolver(conv Convention) *Resolver {
	return &Resolver{Convention: conv, MaxAttempts: DefaultMaxSuffixAttempts}
}

// Normalize canonicalizes raw and resolves it against existing, which maps
// normalized names to the original names that produced them. A collision with
// a different original gets the first free suffix _1, _2, ...
func (r *Resolver) Normalize(raw string, existing map[string]string) (string, error) {
	base := r.Convention.NormalizeIdentifier(raw)
	return r.Resolve(base, raw, func(name string) (string, bool) {
		src, ok := existing[name]
		return src, ok
	})
}

// Resolve returns base when it is free or already owned by source, and
// otherwise the first suffixed variant that is.
func (r *Resolver) Resolve(base, source string, owner OwnerFunc) (string, error) {
	if claimable(base, source, owner) {
		return base, nil
	}
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxSuffixAttempts
	}
	for i := 1; i <= attempts; i++ {
		candidate := r.Convention.ShortenIdentifier(base + "_" + strconv.Itoa(i))
		if claimable(candidate, source, owner) {
			return candidate, nil
		}
	}
	return "", apperrors.NewIdentifierCollision(base, attempts)
}

func claimable(name, source string, owner OwnerFunc) bool {
	owned, exists := owner(name)
	return !exists || owned == "" || owned == source
}
