package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/meridianlabs/ssobridge/pkg/audit"
	"github.com/meridianlabs/ssobridge/pkg/claims"
	"github.com/meridianlabs/ssobridge/pkg/config"
	"github.com/meridianlabs/ssobridge/pkg/flow"
	"github.com/meridianlabs/ssobridge/pkg/httputil"
	"github.com/meridianlabs/ssobridge/pkg/observability"
	"github.com/meridianlabs/ssobridge/pkg/session"
	"github.com/meridianlabs/ssobridge/pkg/sso"
	"github.com/meridianlabs/ssobridge/pkg/state"
	"github.com/meridianlabs/ssobridge/pkg/users"
)

const hostSessionCookie = "APPSESSIONID"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("fatal error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer observability.ShutdownTracing(context.Background(), tp, logger)

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnLifetime)
	if err := db.PingContext(ctx); err != nil {
		return err
	}

	stateStore := state.NewStore(db, metrics)
	if err := stateStore.EnsureSchema(ctx); err != nil {
		return err
	}
	providerStorage := sso.NewStorage(db, metrics)
	if err := providerStorage.EnsureSchema(ctx); err != nil {
		return err
	}
	provisioner := users.NewProvisioner(db, logger, metrics)
	if err := provisioner.EnsureSchema(ctx); err != nil {
		return err
	}

	registryOpts := []sso.RegistryOption{sso.WithConfigTTL(cfg.SSO.ProviderCacheTTL)}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		registryOpts = append(registryOpts, sso.WithRedis(client))
		logger.WithField("addr", cfg.Redis.Addr).Info("shared provider cache enabled")
	}
	providers, err := sso.NewRegistry(providerStorage, cfg.SSO.BaseURL, logger, metrics, registryOpts...)
	if err != nil {
		return err
	}

	host := session.NewCookieHost(hostSessionCookie)
	tracker := session.NewTracker(host, stateStore, logger, session.WithMetrics(metrics))

	exclusions := flow.NewExclusions(logger)
	if cfg.SSO.ExclusionRulesFile != "" {
		if err := exclusions.LoadFile(cfg.SSO.ExclusionRulesFile); err != nil {
			return err
		}
		if err := exclusions.Watch(ctx); err != nil {
			return err
		}
	}

	orch := flow.NewOrchestrator(
		tracker,
		stateStore,
		providers,
		provisioner,
		claims.NewResolver(),
		host,
		exclusions,
		logger,
		metrics,
		flow.Options{
			LogoutPath:      cfg.SSO.LogoutPath,
			ProviderField:   cfg.SSO.ProviderField,
			LoginFormFields: cfg.SSO.LoginFormFields,
			PersistExcluded: cfg.SSO.PersistExcluded,
		},
	)

	router := mux.NewRouter()
	router.Use(
		httputil.RequestIDMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		httputil.TracingMiddleware(cfg.Observability.OTelServiceName),
		httputil.LoggingMiddleware(logger),
	)
	flow.NewHandlers(orch, providers, providerStorage, logger).Register(router)
	audit.NewHandlers(stateStore, logger).Register(router)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	reaper := flow.NewReaper(stateStore, logger, cfg.SSO.SessionMaxIdle, cfg.SSO.ReaperSchedule)
	if err := reaper.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", server.Addr).Info("login flow server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health and metrics server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("server shutdown incomplete")
		}
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("health server shutdown incomplete")
		}
		return nil
	})

	return g.Wait()
}
