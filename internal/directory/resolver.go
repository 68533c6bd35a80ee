package directory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/suPer8Hu/ivochat/internal/store/redisstore"
)

const cacheKeyPrefix = "users_minimal_data:CustomUser_"

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type Source interface {
	FindIdentity(ctx context.Context, id string) (*Identity, error)
}

// Resolver answers "get identity by id" from the shared cache, falling back to the
// directory once per id. Cached projections never expire.
type Resolver struct {
	cache  Cache
	source Source
	log    *slog.Logger
}

func NewResolver(cache Cache, source Source, log *slog.Logger) *Resolver {
	return &Resolver{cache: cache, source: source, log: log}
}

func CacheKey(id string) string { return cacheKeyPrefix + id }

func (r *Resolver) Resolve(ctx context.Context, id string) (*Identity, error) {
	key := CacheKey(id)

	b, err := r.cache.Get(ctx, key)
	switch {
	case err == nil:
		var ident Identity
		if jerr := json.Unmarshal(b, &ident); jerr == nil && ident.ID != "" {
			return &ident, nil
		}
		r.log.Warn("identity cache entry unreadable, refetching", "identity_id", id)
	case !errors.Is(err, redisstore.ErrNotFound):
		r.log.Warn("identity cache read failed", "identity_id", id, "err", err)
	}

	ident, err := r.source.FindIdentity(ctx, id)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(ident); err == nil {
		if err := r.cache.Set(ctx, key, b, 0); err != nil {
			r.log.Warn("identity cache write failed", "identity_id", id, "err", err)
		}
	}
	return ident, nil
}
