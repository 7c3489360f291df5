package store

import (
	"strings"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// PlaceholderPrefix marks ids generated locally for entities the server
// has not created yet.
const PlaceholderPrefix = "tmp_"

// NewPlaceholderID returns a fresh placeholder id ("tmp_" + base58 uuid).
func NewPlaceholderID() string {
	u := uuid.New()
	return PlaceholderPrefix + base58.Encode(u[:])
}

// IsPlaceholder reports whether id was generated by NewPlaceholderID.
func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

// newRef returns a transport request reference.
func newRef() string {
	return uuid.NewString()
}
