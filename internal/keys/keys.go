// Package keys resolves which provider credentials a caller may use.
package keys

import (
	"context"
	"fmt"

	"github.com/nidhogg/consensus/internal/consensus"
)

// Store looks up a user's own API keys.
type Store interface {
	GetKeys(ctx context.Context, userID string) (map[consensus.Provider]string, error)
}

// Resolver merges a user's stored keys with server-owned preview keys.
// The user's key always wins; a preview key only fills a gap.
type Resolver struct {
	store   Store
	preview map[consensus.Provider]string
}

// NewResolver creates a resolver. preview may be nil.
func NewResolver(store Store, preview map[consensus.Provider]string) *Resolver {
	return &Resolver{store: store, preview: preview}
}

// KeySet returns the credentials available to userID.
func (r *Resolver) KeySet(ctx context.Context, userID string) (consensus.KeySet, error) {
	ks := make(consensus.KeySet)
	for p, secret := range r.preview {
		if secret != "" {
			ks[p] = &consensus.Credential{Secret: secret, Shared: true}
		}
	}
	if r.store == nil || userID == "" {
		return ks, nil
	}

	own, err := r.store.GetKeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get keys for %s: %w", userID, err)
	}
	for p, secret := range own {
		if secret != "" {
			ks[p] = &consensus.Credential{Secret: secret}
		}
	}
	return ks, nil
}
