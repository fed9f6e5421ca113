// Package querycache memoizes completed upstream query results and collapses
// concurrent identical queries into a single upstream call.
package querycache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/akesson/language-query/src/lqd/entity"
	lqerrors "github.com/akesson/language-query/src/lqd/internal/errors"
	"github.com/jellydator/ttlcache/v3"
	tally "github.com/uber-go/tally"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	_configKeyTTL        = "cache.ttl"
	_configKeyMaxEntries = "cache.maxEntries"

	_defaultTTL        = 5 * time.Minute
	_defaultMaxEntries = 4096
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// ComputeFunc performs the upstream call for a cache miss. It receives a
// context detached from any single waiter, so one waiter's timeout never
// cancels a computation other waiters are attached to.
type ComputeFunc func(ctx context.Context) (interface{}, error)

// Cache is the request cache with in-flight deduplication.
type Cache interface {
	// GetOrCompute returns the cached value for key, attaches to an in-flight
	// computation for the same key, or starts one. Failed computations are
	// not cached.
	GetOrCompute(ctx context.Context, key entity.QueryKey, compute ComputeFunc) (interface{}, error)
	// EvictFile removes every entry keyed to the given file, and no others.
	EvictFile(file string)
	// Len returns the number of stored entries.
	Len() int
}

// Params define values to be used by the cache.
type Params struct {
	fx.In

	Config    config.Provider
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
	Stats     tally.Scope
}

type cacheImpl struct {
	store  *ttlcache.Cache[string, interface{}]
	group  singleflight.Group
	logger *zap.SugaredLogger
	stats  tally.Scope

	// byFile indexes stored keys by file path for version-bump eviction.
	mu     sync.Mutex
	byFile map[string]map[string]struct{}
}

// New creates the request cache and ties its expiry loop to the fx lifecycle.
func New(p Params) (Cache, error) {
	ttl := _defaultTTL
	if err := p.Config.Get(_configKeyTTL).Populate(&ttl); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyTTL, err)
	}
	maxEntries := uint64(_defaultMaxEntries)
	if err := p.Config.Get(_configKeyMaxEntries).Populate(&maxEntries); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyMaxEntries, err)
	}

	c := &cacheImpl{
		store: ttlcache.New[string, interface{}](
			ttlcache.WithTTL[string, interface{}](ttl),
			ttlcache.WithCapacity[string, interface{}](maxEntries),
		),
		logger: p.Logger.With("component", "querycache"),
		stats:  p.Stats.SubScope("query_cache"),
		byFile: make(map[string]map[string]struct{}),
	}

	c.store.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, interface{}]) {
		c.dropIndex(item.Key())
	})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go c.store.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.store.Stop()
			return nil
		},
	})

	return c, nil
}

func (c *cacheImpl) GetOrCompute(ctx context.Context, key entity.QueryKey, compute ComputeFunc) (interface{}, error) {
	k := key.String()

	if item := c.store.Get(k); item != nil {
		c.stats.Counter("hit").Inc(1)
		return item.Value(), nil
	}
	c.stats.Counter("miss").Inc(1)

	// The computation runs on a context detached from this waiter so that it
	// completes and populates the cache even if every current waiter gives
	// up. The language server applies its own per-query bound.
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(k, func() (interface{}, error) {
		value, err := compute(detached)
		if err != nil {
			return nil, err
		}
		c.store.Set(k, value, ttlcache.DefaultTTL)
		c.addIndex(key.File, k)
		return value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.stats.Counter("deduplicated").Inc(1)
		}
		return res.Val, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &lqerrors.UpstreamTimeoutError{Method: string(key.Kind)}
		}
		return nil, ctx.Err()
	}
}

func (c *cacheImpl) EvictFile(file string) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.byFile[file]))
	for k := range c.byFile[file] {
		keys = append(keys, k)
	}
	delete(c.byFile, file)
	c.mu.Unlock()

	for _, k := range keys {
		c.store.Delete(k)
	}
	if len(keys) > 0 {
		c.logger.Debugw("evicted cache entries", "file", file, "count", len(keys))
		c.stats.Counter("evicted").Inc(int64(len(keys)))
	}
}

func (c *cacheImpl) Len() int {
	return c.store.Len()
}

func (c *cacheImpl) addIndex(file, key string) {
	if file == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byFile[file] == nil {
		c.byFile[file] = make(map[string]struct{})
	}
	c.byFile[file][key] = struct{}{}
}

func (c *cacheImpl) dropIndex(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for file, keys := range c.byFile {
		if _, ok := keys[key]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byFile, file)
			}
			return
		}
	}
}
