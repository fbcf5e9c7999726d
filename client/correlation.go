package client

import (
	"context"

	"pkt.systems/wantq/internal/correlation"
)

// WantIDFromContext returns the identifier of the want whose item is being
// handled. Handlers receive it on their context; it is empty elsewhere.
func WantIDFromContext(ctx context.Context) string {
	return correlation.ID(ctx)
}
