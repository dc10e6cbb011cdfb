package commands

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/dyluth/ccss/internal/callback"
	"github.com/dyluth/ccss/internal/config"
	"github.com/dyluth/ccss/internal/dispatch"
	"github.com/dyluth/ccss/internal/printer"
	"github.com/dyluth/ccss/internal/scheduler"
	"github.com/dyluth/ccss/pkg/critical"
	"github.com/redis/go-redis/v9"
)

// runtime holds the components shared by serve and sweep
type runtime struct {
	cfg        *config.Config
	store      *critical.Client
	protocol   *callback.Protocol
	dispatcher *dispatch.HTTPDispatcher
	scheduler  *scheduler.Scheduler
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"failed to load configuration",
			err.Error(),
			map[string]string{"Config": configPath},
			[]string{"Create a default configuration:\n  ccss init"},
		)
	}
	return cfg, nil
}

// connect opens the store and verifies Redis is reachable
func connect(ctx context.Context, cfg *config.Config) (*critical.Client, error) {
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	store, err := critical.NewClient(redisOpts, cfg.Namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to create store client: %w", err)
	}

	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", redisOpts.Addr),
			map[string]string{"Namespace": cfg.Namespace},
			[]string{
				"Check redis.url in ccss.yml",
				"Override it with the REDIS_URL environment variable",
			},
		)
	}
	return store, nil
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	store, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var tokens callback.TokenStore
	switch cfg.Callback.TokenStore {
	case "memory":
		tokens = callback.NewMemoryTokenStore(nil)
	default:
		tokens = callback.NewRedisTokenStore(store, nil)
	}

	protocol := callback.NewProtocol(tokens, store, callback.Options{
		Secret:           cfg.Callback.TokenSecret,
		TokenTTL:         cfg.Callback.TokenTTLDuration(),
		SharedExpiration: cfg.Shared.Expiration(),
		Namespace:        cfg.Namespace,
	})

	dispatcher := dispatch.New(protocol, dispatch.Options{
		ServiceURL:   cfg.Generation.ServiceURL,
		APIKey:       cfg.Generation.APIKey,
		APIKeyHeader: cfg.Generation.APIKeyHeader,
		FetchTimeout: cfg.Generation.FetchTimeoutDuration(),
		PostTimeout:  cfg.Generation.PostTimeoutDuration(),
		MaxHTMLBytes: cfg.Generation.MaxHTMLBytes,
		Dimensions:   cfg.Generation.Dimensions,
		Exclude:      cfg.Generation.ExcludedSelectors,
		PublicURL:    cfg.Callback.PublicURL,
		Namespace:    cfg.Namespace,
	})

	return &runtime{
		cfg:        cfg,
		store:      store,
		protocol:   protocol,
		dispatcher: dispatcher,
		scheduler:  scheduler.New(store, dispatcher, cfg.Namespace, nil),
	}, nil
}

func (rt *runtime) Close() error {
	return rt.store.Close()
}

// reloadingRules re-reads the rules from path on every call. When the file
// cannot be loaded the last good rules are returned.
func reloadingRules(path string, initial critical.RuleSet) func() (critical.RuleSet, error) {
	var mu sync.Mutex
	last := initial

	return func() (critical.RuleSet, error) {
		cfg, err := config.Load(path)

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			log.Printf("[Config] Failed to reload %s, keeping rules revision %d: %v", path, last.Revision, err)
			return last, nil
		}
		last = cfg.Rules
		return last, nil
	}
}
