// Package correlation mints and validates the opaque tokens that bind a want
// to its eventual response.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// MaxIDLength bounds identifiers accepted from the wire.
const MaxIDLength = 128

type contextKey struct{}

// Generate returns a new random identifier (UUIDv4, 122 random bits).
func Generate() string {
	return uuid.NewString()
}

// Normalize trims and validates an identifier received from the server.
// It returns the normalized identifier and true if it is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// WithID returns ctx annotated with the identifier of the want being handled.
// Invalid identifiers leave ctx untouched.
func WithID(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the identifier carried by ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
