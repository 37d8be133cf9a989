package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/llm-gateway/config"
	"github.com/angeloszaimis/llm-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/llm-gateway/internal/dedup"
	"github.com/angeloszaimis/llm-gateway/internal/handler"
	"github.com/angeloszaimis/llm-gateway/internal/httpserver"
	"github.com/angeloszaimis/llm-gateway/internal/metrics"
	"github.com/angeloszaimis/llm-gateway/internal/protection"
	"github.com/angeloszaimis/llm-gateway/internal/ratelimit"
	"github.com/angeloszaimis/llm-gateway/internal/requestctx"
	"github.com/angeloszaimis/llm-gateway/internal/retry"
	"github.com/angeloszaimis/llm-gateway/internal/upstream"
	"github.com/angeloszaimis/llm-gateway/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the config file (default ./config/config.yaml or ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(os.Stdout, cfg.Logging.Level, false, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Gateway stopped with error", slog.Any("err", err))
		os.Exit(1)
	}
	log.Info("Gateway stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	gw, err := newGateway(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer gw.Close()

	srv, err := httpserver.New(cfg.Server.Address, gw.router,
		httpserver.WithWriteTimeout(cfg.Server.WriteTimeout),
		httpserver.WithShutdownTimeout(cfg.Server.ShutdownTimeout))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	gw.collector.Start(ctx)
	if gw.memoryStore != nil {
		gw.memoryStore.StartJanitor(ctx)
	}

	if cfg.File != "" {
		g.Go(func() error {
			return config.Watch(ctx, cfg.File, log, func(next *config.Config) {
				gw.service.ReloadRateLimits(next.RateLimit.LimitRules())
			})
		})
	}

	g.Go(func() error {
		log.Info("Gateway listening",
			slog.String("address", srv.Addr()),
			slog.Int("providers", len(cfg.Providers)),
			slog.Int("agents", len(cfg.Agents)))
		return srv.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down gracefully...")
		return nil
	})

	return g.Wait()
}

// gateway holds every long-lived component built from the config.
type gateway struct {
	service     *protection.Service
	providers   *upstream.Registry
	collector   *metrics.Collector
	exporter    *metrics.PrometheusExporter
	memoryStore *ratelimit.MemoryStore
	redisClient *redis.Client
	router      *http.ServeMux
}

func newGateway(ctx context.Context, cfg *config.Config, log *slog.Logger) (*gateway, error) {
	providers, err := initializeProviders(cfg, log)
	if err != nil {
		return nil, err
	}

	gw := &gateway{providers: upstream.NewRegistry(providers...)}

	var sinks []metrics.Sink
	if cfg.Metrics.Prometheus {
		gw.exporter = metrics.NewPrometheusExporter()
		sinks = append(sinks, gw.exporter)
	}
	gw.collector = metrics.NewCollector(cfg.Metrics.BufferSize, log.With(slog.String("component", "metrics")), sinks...)

	store, err := gw.newRateLimitStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	breakers := circuitbreaker.NewRegistry(cfg.CircuitBreaker.Settings(),
		circuitbreaker.WithLogger(log),
		circuitbreaker.OnStateChange(func(target string, from, to circuitbreaker.State) {
			gw.collector.Emit(metrics.MetricEvent{
				Type:   metrics.EventCircuitStateChanged,
				Target: target,
				State:  to.String(),
			})
		}),
	)

	gw.service = protection.New(protection.Deps{
		Breakers: breakers,
		Limiter: ratelimit.NewLimiter(store, cfg.RateLimit.LimitRules(),
			ratelimit.WithFailureMode(cfg.RateLimit.Mode()),
			ratelimit.WithLogger(log)),
		Dedup: dedup.NewGroup(
			dedup.WithCancelAbandoned(cfg.Dedup.CancelAbandoned),
			dedup.WithLogger(log)),
		Retry:   retry.NewExecutor(cfg.Retry.Policy()),
		Metrics: gw.collector,
		Logger:  log,
	}, protection.WithAccounting(cfg.CircuitBreaker.AccountingMode()))

	trusted, err := requestctx.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}

	middleware := handler.NewProtectionMiddleware(log, gw.service,
		handler.NewProviderProxy(gw.providers, cfg.AgentRoutes()),
		handler.WithMetrics(gw.collector),
		handler.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		handler.WithTrustedProxies(trusted))

	admin := handler.NewAdmin(log, gw.service, gw.providers, reloadRules(cfg.File), cfg.Admin.Token)

	gw.router = setupRouter(middleware, admin, gw.collector, gw.exporter)
	return gw, nil
}

func (gw *gateway) newRateLimitStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (ratelimit.Store, error) {
	if !cfg.Redis.Enabled {
		gw.memoryStore = ratelimit.NewMemoryStore(
			ratelimit.WithIdleTTL(cfg.RateLimit.IdleTTL),
			ratelimit.WithCleanupEvery(cfg.RateLimit.CleanupInterval))
		return gw.memoryStore, nil
	}

	gw.redisClient = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := gw.redisClient.Ping(pingCtx).Err(); err != nil {
		gw.redisClient.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Address, err)
	}

	log.Info("Using Redis rate limit store", slog.String("address", cfg.Redis.Address))
	return ratelimit.NewRedisStore(gw.redisClient, ratelimit.WithPrefix(cfg.Redis.Prefix)), nil
}

func (gw *gateway) Close() {
	if gw.redisClient != nil {
		gw.redisClient.Close()
	}
}

func initializeProviders(cfg *config.Config, log *slog.Logger) ([]*upstream.Provider, error) {
	var providers []*upstream.Provider

	for _, pc := range cfg.Providers {
		u, err := url.Parse(pc.URL)
		if err != nil {
			log.Error("Failed to parse URL",
				slog.String("provider", pc.Name),
				slog.String("url", pc.URL),
				slog.String("error", err.Error()))
			continue
		}

		opts := []upstream.Option{
			upstream.WithHTTPClient(&http.Client{Timeout: pc.Timeout}),
		}
		if pc.APIKeyEnv != "" {
			key := os.Getenv(pc.APIKeyEnv)
			if key == "" {
				log.Warn("Provider API key not set", slog.String("provider", pc.Name), slog.String("env", pc.APIKeyEnv))
			}
			opts = append(opts, authHeader(pc.AuthHeader, key))
		}

		providers = append(providers, upstream.New(pc.Name, u, opts...))
	}

	if len(providers) == 0 {
		return nil, os.ErrInvalid
	}

	return providers, nil
}

// authHeader sends key as a bearer token unless the provider names its own
// header, in which case the raw key is used.
func authHeader(header, key string) upstream.Option {
	if header == "" || http.CanonicalHeaderKey(header) == "Authorization" {
		return upstream.WithHeader("Authorization", "Bearer "+key)
	}
	return upstream.WithHeader(header, key)
}

func reloadRules(path string) handler.RulesLoader {
	return func() (map[ratelimit.Dimension]ratelimit.Rule, error) {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		return cfg.RateLimit.LimitRules(), nil
	}
}
