// grantline serves the permission engine over HTTP.
//
// Usage:
//
//	grantline [serve]   run migrations, seed defaults and serve
//	grantline migrate   run migrations and seed defaults, then exit
//	grantline bootstrap grant a user full control over the admin resources
//	grantline token     sign an access token for a user id
//	grantline policy    validate a route policy file and list its routes
//
// Configuration comes from GRANTLINE_* environment variables, optionally
// seeded from a .env file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/platinummonkey/grantline/pkg/api"
	"github.com/platinummonkey/grantline/pkg/config"
	"github.com/platinummonkey/grantline/pkg/enforce"
	"github.com/platinummonkey/grantline/pkg/groups"
	"github.com/platinummonkey/grantline/pkg/middleware"
	"github.com/platinummonkey/grantline/pkg/observability"
	"github.com/platinummonkey/grantline/pkg/policy"
	"github.com/platinummonkey/grantline/pkg/rbac"
	"github.com/platinummonkey/grantline/pkg/storage/postgres"
)

const version = "0.1.0"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	envFile    string
	addr       string
	policyFile string
	userID     int64
}

func run(args []string, stdout io.Writer) error {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	var opts options
	flagSet := pflag.NewFlagSet("grantline "+command, pflag.ContinueOnError)
	flagSet.StringVar(&opts.envFile, "env-file", ".env", "file to seed the environment from")
	flagSet.StringVar(&opts.addr, "addr", "", "listen address, overrides GRANTLINE_HOST and GRANTLINE_PORT")
	flagSet.StringVar(&opts.policyFile, "policy", "", "route policy file, overrides GRANTLINE_POLICY_FILE")
	flagSet.Int64Var(&opts.userID, "user", 0, "user id for token and bootstrap")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return err
	}

	switch command {
	case "serve":
		cfg, err := loadConfig(opts)
		if err != nil {
			return err
		}
		return serve(cfg)
	case "migrate":
		cfg, err := loadConfig(opts)
		if err != nil {
			return err
		}
		return migrate(cfg)
	case "bootstrap":
		cfg, err := loadConfig(opts)
		if err != nil {
			return err
		}
		return bootstrap(cfg, opts.userID)
	case "token":
		return printToken(opts, stdout)
	case "policy":
		return printPolicy(opts, flagSet.Args(), stdout)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if opts.addr != "" {
		host, port, err := net.SplitHostPort(opts.addr)
		if err != nil {
			return nil, fmt.Errorf("invalid --addr: %w", err)
		}
		cfg.Server.Host, cfg.Server.Port = host, port
	}
	if opts.policyFile != "" {
		cfg.Engine.PolicyFile = opts.policyFile
	}
	return cfg, cfg.Validate()
}

// runtime holds the long-lived collaborators shared by serve and migrate
type runtime struct {
	logger  *observability.Logger
	conns   *postgres.ConnectionManager
	redis   *redis.Client
	manager *rbac.Manager
}

func connect(cfg *config.Config, metrics *observability.Metrics) (*runtime, error) {
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	conns, err := postgres.NewConnectionManager(cfg.Database.ConnectionConfig(), logger)
	if err != nil {
		return nil, err
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = postgres.NewRedisClient(cfg.Redis)
		if err != nil {
			conns.Close()
			return nil, err
		}
	}

	manager := rbac.NewManager(rbac.Dependencies{
		DB:      conns.Primary(),
		Reader:  conns.Replica(),
		Redis:   redisClient,
		Metrics: metrics,
		Logger:  logger,
	}, cfg.Engine.RBAC())

	return &runtime{logger: logger, conns: conns, redis: redisClient, manager: manager}, nil
}

func (rt *runtime) initialize(ctx context.Context) error {
	if err := rt.manager.Initialize(ctx); err != nil {
		return err
	}
	if err := groups.RunMigrations(ctx, rt.conns.Primary(), rt.logger); err != nil {
		return fmt.Errorf("failed to run group migrations: %w", err)
	}
	return nil
}

func (rt *runtime) close(context.Context) error {
	var errs []error
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	errs = append(errs, rt.conns.Close())
	return errors.Join(errs...)
}

func migrate(cfg *config.Config) error {
	rt, err := connect(cfg, nil)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	return rt.initialize(context.Background())
}

func bootstrap(cfg *config.Config, userID int64) error {
	if userID <= 0 {
		return fmt.Errorf("--user must be a positive user id")
	}
	rt, err := connect(cfg, nil)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	ctx := context.Background()
	if err := rt.initialize(ctx); err != nil {
		return err
	}
	_, err = rt.manager.Store().GrantAdministrator(ctx, userID)
	return err
}

func identityResolver(cfg config.IdentityConfig) (middleware.IdentityResolver, groups.TokenIssuer) {
	if cfg.Mode == config.IdentityHeader {
		return middleware.NewHeaderResolver(cfg.Header), nil
	}
	jwtResolver := middleware.NewJWTResolver(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	return jwtResolver, jwtResolver
}

func rateLimiter(cfg config.RateLimitConfig, client *redis.Client) middleware.Limiter {
	if cfg.PerMinute <= 0 {
		return nil
	}
	limits := &middleware.RateLimitConfig{
		RequestsPerWindow: cfg.PerMinute,
		WindowDuration:    time.Minute,
		BurstSize:         cfg.Burst,
	}
	if client != nil {
		return middleware.NewRedisLimiter(client, limits, "")
	}
	return middleware.NewMemoryLimiter(limits)
}

func serve(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		metrics = observability.NewMetrics(registry)
	}

	rt, err := connect(cfg, metrics)
	if err != nil {
		return err
	}
	logger := rt.logger

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		rt.close(ctx)
		return err
	}

	if err := rt.initialize(ctx); err != nil {
		rt.close(ctx)
		return err
	}

	binder, err := policy.LoadFile(cfg.Engine.PolicyFile)
	if err != nil {
		rt.close(ctx)
		return err
	}

	enforcer := enforce.New(rt.manager.Store(), binder,
		enforce.WithUnmatchedPolicy(cfg.Engine.UnmatchedRoutes),
		enforce.WithMetrics(metrics),
		enforce.WithLogger(logger),
	)

	resolver, tokens := identityResolver(cfg.Identity)
	groupHandlers := groups.NewHandlers(groups.NewService(rt.conns.Primary(), rt.manager.Store(), logger), tokens)

	server := api.NewServer(api.Options{
		Logger:    logger,
		Metrics:   metrics,
		Registry:  registry,
		Health:    observability.NewHealthChecker(rt.conns.Primary(), rt.redis, version),
		Identity:  middleware.NewIdentityMiddleware(resolver, true),
		Limiter:   rateLimiter(cfg.RateLimit, rt.redis),
		Enforcer:  enforcer,
		Public:    []api.PublicRouteRegistrar{groupHandlers},
		Protected: []api.RouteRegistrar{rt.manager, groupHandlers},

		RequestTimeout: cfg.Server.RequestTimeout,
		Tracing:        cfg.Observability.OTelEnabled,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	rt.conns.WithMetrics(metrics).StartHealthCheckRoutine(ctx, 30*time.Second)

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(rt.close)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":             httpServer.Addr,
			"replicas":         len(rt.conns.AllReplicas()),
			"policy_routes":    binder.Len(),
			"unmatched_routes": cfg.Engine.UnmatchedRoutes.String(),
			"identity_mode":    cfg.Identity.Mode,
		}).Info("grantline listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	go func() {
		if err := <-serveErr; err != nil {
			logger.WithError(err).Error("HTTP server failed")
			cancel()
		}
	}()

	return shutdown.WaitForShutdown(ctx)
}

func printToken(opts options, stdout io.Writer) error {
	if opts.userID <= 0 {
		return fmt.Errorf("--user must be a positive user id")
	}
	secret := os.Getenv("GRANTLINE_JWT_SECRET")
	if secret == "" {
		return fmt.Errorf("GRANTLINE_JWT_SECRET is not set")
	}
	issuer := os.Getenv("GRANTLINE_JWT_ISSUER")
	if issuer == "" {
		issuer = "grantline"
	}

	token, err := middleware.NewJWTResolver(secret, issuer, 24*time.Hour).SignToken(opts.userID)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func printPolicy(opts options, args []string, stdout io.Writer) error {
	path := opts.policyFile
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("policy file required")
	}

	binder, err := policy.LoadFile(path)
	if err != nil {
		return err
	}
	for _, e := range binder.Entries() {
		scope := "global"
		if e.HasGroupParam() {
			scope = "group:" + e.GroupParam
		}
		required := strings.Join(e.Required.Strings(), ",")
		if required == "" {
			required = "-"
		}
		fmt.Fprintf(stdout, "%-7s %-50s %-12s %-20s %s\n", e.Method, e.PathPattern, e.ResourceKey, scope, required)
	}
	return nil
}
