package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"whatsnep/internal/app/changefeed"
	"whatsnep/internal/app/chatsync"
	"whatsnep/internal/app/policies"
	"whatsnep/internal/app/session"
	"whatsnep/internal/domain/chat"
	"whatsnep/internal/infra/broker/kafka"
	"whatsnep/internal/infra/config"
	mongostore "whatsnep/internal/infra/db/mongo"
	"whatsnep/internal/infra/db/postgres"
	grpchealth "whatsnep/internal/infra/grpc/health"
	ginserver "whatsnep/internal/infra/http/gin"
	"whatsnep/internal/infra/obs"
	"whatsnep/internal/infra/realtime"
	redishub "whatsnep/internal/infra/realtime/redis"
	"whatsnep/internal/infra/storage/memory"
	"whatsnep/internal/infra/storage/s3"
	"whatsnep/internal/infra/storage/scylla"
)

func NewServeCommand(_ *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP adapter against the configured backends",
		Long: `Run the HTTP adapter against the configured store and realtime channel.

Backends are chosen with STORE_BACKEND (memory|postgres|mongo|scylla) and
REALTIME_BACKEND (memory|redis|kafka). When CHAT_USER_ID is set that user is
signed in at startup. The gRPC health service listens on GRPC_ADDR.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// closer releases one backend on shutdown.
type closer func(ctx context.Context) error

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := obs.NewLogger(cfg.Env)
	checks := map[string]obs.Check{}
	var closers []closer
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](shutdownCtx); err != nil {
				logger.Warn("backend close failed", "error", err)
			}
		}
	}()

	backend, err := openStore(ctx, cfg, logger, checks, &closers)
	if err != nil {
		return err
	}
	hub, err := openRealtime(ctx, cfg, logger, checks, &closers)
	if err != nil {
		return err
	}
	avatars, err := openAvatars(cfg, logger, checks)
	if err != nil {
		return err
	}

	store := changefeed.New(backend, hub, logger)
	sessions := session.NewManager(store, clockwork.NewRealClock(), logger)
	sup := chatsync.NewSupervisor(chatsync.Config{
		Store:        store,
		Realtime:     hub,
		Session:      sessions,
		Logger:       logger,
		TypingIdle:   cfg.TypingIdle,
		TypingExpiry: cfg.TypingExpiry,
		SearchLimit:  cfg.SearchLimit,
		CallTimeout:  cfg.CallTimeout,
	})
	stopWatch := sessions.Watch(func(ctx context.Context, signedIn bool) {
		if err := sup.OnSessionChange(context.WithoutCancel(ctx), signedIn); err != nil {
			logger.Error("synchronizer switch failed", "signed_in", signedIn, "error", err)
		}
	})
	defer stopWatch()
	closers = append(closers, func(ctx context.Context) error {
		if err := sessions.SignOut(ctx); err != nil {
			return err
		}
		return sup.Close()
	})

	if cfg.UserID != "" {
		if _, err := sessions.SignIn(ctx, cfg.UserID); err != nil {
			return fmt.Errorf("sign in %s: %w", cfg.UserID, err)
		}
	}

	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{Checks: checks}, ginserver.Handlers{
		Chat: ginserver.ChatHandler{Sessions: sessions, Synchronizers: sup, Avatars: avatars, Logger: logger},
	})

	healthServer := grpchealth.NewServer(checks, cfg.HealthInterval, logger)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", cfg.GRPCAddr, err)
	}
	defer healthServer.Stop()
	go func() {
		logger.Info("grpc health server starting", "addr", cfg.GRPCAddr)
		if err := healthServer.Serve(ctx, lis); err != nil {
			logger.Error("grpc health server failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		healthServer.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("HTTP server starting", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend, "realtime", cfg.RealtimeBackend)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("HTTP server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger, checks map[string]obs.Check, closers *[]closer) (chat.Backend, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pg, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func(context.Context) error { pg.Close(); return nil })
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		checks["postgres"] = pg.Ping
		return pg, nil
	case config.StoreMongo:
		client, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, client.Close)
		store := mongostore.NewStore(client.DB)
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		checks["mongo"] = client.Ping
		return store, nil
	case config.StoreScylla:
		session, err := scylla.NewSession(ctx, scylla.Options{
			Hosts:       cfg.ScyllaHosts,
			Keyspace:    cfg.ScyllaKeyspace,
			Timeout:     cfg.ScyllaTimeout,
			Consistency: cfg.ScyllaConsistency,
			Username:    cfg.ScyllaUsername,
			Password:    cfg.ScyllaPassword,
		}, logger)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func(context.Context) error { session.Close(); return nil })
		return scylla.NewStore(session, logger), nil
	default:
		store := memory.NewStore()
		if err := seedDemoUsers(ctx, store); err != nil {
			return nil, err
		}
		logger.Info("memory store seeded", "users", len(demoUsers))
		return store, nil
	}
}

func openRealtime(ctx context.Context, cfg config.Config, logger *slog.Logger, checks map[string]obs.Check, closers *[]closer) (policies.Realtime, error) {
	switch cfg.RealtimeBackend {
	case config.RealtimeRedis:
		hub, err := redishub.Connect(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func(context.Context) error { return hub.Close() })
		checks["redis"] = hub.Ping
		return hub, nil
	case config.RealtimeKafka:
		hub, err := kafka.NewHub(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func(context.Context) error { return hub.Close() })
		return hub, nil
	default:
		return realtime.NewHub(realtime.WithLogger(logger)), nil
	}
}

func openAvatars(cfg config.Config, logger *slog.Logger, checks map[string]obs.Check) (s3.Resolver, error) {
	if cfg.S3Endpoint == "" {
		return s3.PassthroughResolver{}, nil
	}
	resolver, err := s3.NewAvatarResolver(s3.Options{
		Endpoint:  cfg.S3Endpoint,
		UseSSL:    cfg.S3UseSSL,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		TTL:       cfg.AvatarURLTTL,
	}, logger)
	if err != nil {
		return nil, err
	}
	checks["s3"] = resolver.Ping
	return resolver, nil
}
