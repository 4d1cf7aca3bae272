package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rebase-inc/skillscanner/internal/config"
	"github.com/rebase-inc/skillscanner/internal/population"
	"github.com/rebase-inc/skillscanner/internal/tcp"
)

const defaultHandlerName = "module_impact"

// Handlers are registered at init so both `skillscan serve` and the spawned
// `skillscan worker` subprocesses can resolve them by name.
func init() {
	tcp.RegisterHandler("module_impact", moduleImpactHandler)
	tcp.RegisterHandler("echo", echoHandler)
}

var (
	impactOnce  sync.Once
	impactStore *population.RedisStore
	impactErr   error
)

// moduleImpactHandler is the local relevance oracle: the impact of a module
// is the number of population leaderboard markers naming it. Pure for a
// fixed store state, so safe to serve memoized.
func moduleImpactHandler(ctx context.Context, request any) (string, error) {
	fields, ok := request.(map[string]any)
	if !ok {
		return "", fmt.Errorf("request is not an object")
	}
	module, ok := fields["module"].(string)
	if !ok || module == "" {
		return "", fmt.Errorf("request has no module field")
	}

	impactOnce.Do(func() {
		var cfg *config.Config
		cfg, impactErr = config.Load(cfgFile)
		if impactErr != nil {
			return
		}
		impactStore = population.NewRedisStore(cfg.Store)
	})
	if impactErr != nil {
		return "", fmt.Errorf("loading config: %w", impactErr)
	}

	impact, err := impactStore.ModuleImpact(ctx, module)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(map[string]int{"impact": impact})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// echoHandler re-encodes the decoded request; used to smoke-test the server
// and the subprocess pool end to end.
func echoHandler(ctx context.Context, request any) (string, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
