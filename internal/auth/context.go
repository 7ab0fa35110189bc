package auth

import (
	"context"

	"gitea.jw6.us/james/beaconattend/internal/store"
)

type contextKey string

const contextKeyAPIKey contextKey = "api_key"

func WithAPIKey(ctx context.Context, key *store.APIKey) context.Context {
	return context.WithValue(ctx, contextKeyAPIKey, key)
}

func APIKeyFromContext(ctx context.Context) (*store.APIKey, bool) {
	k, ok := ctx.Value(contextKeyAPIKey).(*store.APIKey)
	return k, ok && k != nil
}
