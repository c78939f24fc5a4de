//go:build wireinject

package main

import (
	"context"

	"github.com/google/wire"
)

// BuildApp wires the application together.
func BuildApp(ctx context.Context, opts Options) (*App, func(), error) {
	wire.Build(
		provideConfig,
		provideLogger,
		provideRedis,
		provideStorage,
		provideBreakerStore,
		provideLimiterStore,
		provideEngagementCache,
		provideLimiter,
		provideBreakers,
		provideClients,
		provideOrchestrator,
		provideEventBus,
		providePoints,
		provideHub,
		provideLeaderboard,
		provideWebhooks,
		provideSubmissions,
		provideScheduler,
		provideHandler,
		provideServer,
		wire.Struct(new(App), "*"),
	)
	return nil, nil, nil
}
