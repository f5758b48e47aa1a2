package interfaces

import (
	"context"

	"github.com/bobmcallan/qflow/internal/models"
)

// TokenResolver validates opaque tokens against the external token-info
// service. No caching by contract: every call hits the service so that
// revocations take effect immediately.
type TokenResolver interface {
	// Resolve returns the token's identity. Unknown and expired tokens fail
	// with an UNAUTHENTICATED error.
	Resolve(ctx context.Context, token string) (*models.TokenInfo, error)
}
