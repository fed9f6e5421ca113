// Package app assembles the daemon's Fx application.
package app

import (
	"context"
	"os"
	"time"

	"github.com/akesson/language-query/src/lqd/controller/docstore"
	"github.com/akesson/language-query/src/lqd/controller/report"
	"github.com/akesson/language-query/src/lqd/entity"
	"github.com/akesson/language-query/src/lqd/gateway/langserver"
	"github.com/akesson/language-query/src/lqd/gateway/watcher"
	"github.com/akesson/language-query/src/lqd/handler"
	"github.com/akesson/language-query/src/lqd/internal/clock"
	"github.com/akesson/language-query/src/lqd/internal/core"
	"github.com/akesson/language-query/src/lqd/internal/fs"
	"github.com/akesson/language-query/src/lqd/internal/querycache"
	"github.com/akesson/language-query/src/lqd/internal/registry"
	tally "github.com/uber-go/tally"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module defines the language-query daemon application module.
var Module = fx.Options(
	core.ConfigModule,
	core.LoggerModule,
	fs.Module,
	docstore.Module,
	querycache.Module,
	langserver.Module,
	report.Module,
	watcher.Module,
	handler.Module,
	fx.Provide(clock.New),
	fx.Provide(NewWorkspaceRoot),
	fx.Provide(NewRegistry),
	fx.Provide(func(lc fx.Lifecycle) tally.Scope {
		rs, closer := tally.NewRootScope(tally.ScopeOptions{
			Tags: map[string]string{
				"service": "lqd",
			},
		}, 1*time.Second)

		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return closer.Close()
			},
		})

		return rs
	}),
	fx.Invoke(wireDocumentSync),
)

// NewWorkspaceRoot resolves the workspace this daemon serves: the root handed
// over by the spawning client, falling back to the working directory.
func NewWorkspaceRoot(filesystem fs.FS) (entity.WorkspaceRoot, error) {
	root := os.Getenv(registry.WorkspaceEnv)
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = cwd
	}
	canonical, err := filesystem.Canonicalize(root)
	if err != nil {
		return "", err
	}
	return entity.WorkspaceRoot(canonical), nil
}

// NewRegistry provides the session registry the server loop registers with.
func NewRegistry(filesystem fs.FS, clk clock.Clock, logger *zap.SugaredLogger) *registry.Registry {
	return registry.New(filesystem, clk, registry.WithLogger(logger))
}

// wireDocumentSync connects the document store's fan-out points: open and
// change transitions flow to the language servers, and every change evicts
// the affected file's cached query results.
func wireDocumentSync(docs docstore.Store, gateway langserver.Gateway, cache querycache.Cache) {
	docs.OnSync(gateway.HandleDocEvent)
	docs.OnInvalidate(cache.EvictFile)
}
