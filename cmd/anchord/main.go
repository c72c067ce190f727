// cmd/anchord runs the identity anchoring daemon: the HTTP verification API,
// the anchoring worker, the audit reconciler and the gRPC health service.
//
// Usage:
//
//	go run ./cmd/anchord
//	ANCHORD_CONFIG=configs/anchord.yaml DATABASE_URL=postgres://... go run ./cmd/anchord
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/safetrip/idanchor/internal/anchor"
	"github.com/safetrip/idanchor/internal/audit"
	"github.com/safetrip/idanchor/internal/config"
	"github.com/safetrip/idanchor/internal/events"
	"github.com/safetrip/idanchor/internal/handler"
	"github.com/safetrip/idanchor/internal/health"
	"github.com/safetrip/idanchor/internal/ledger"
	"github.com/safetrip/idanchor/internal/platform/database"
	"github.com/safetrip/idanchor/internal/platform/keylock"
	"github.com/safetrip/idanchor/internal/platform/redis"
	"github.com/safetrip/idanchor/internal/verification"
)

const lockShards = 64

func main() {
	cfg, err := config.Load(os.Getenv("ANCHORD_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "anchord: %v\n", err)
		os.Exit(1)
	}

	logger, _ := zap.NewProduction()
	if cfg.Log.Development {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("anchord exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var probes []health.Probe

	// ── Storage ───────────────────────────────────────────────────────────────
	var (
		anchorStore anchor.Store
		auditStore  audit.Store
		pool        *pgxpool.Pool
	)
	if cfg.Database.URL != "" {
		var err error
		pool, err = database.Open(ctx, database.Config{
			URL:             cfg.Database.URL,
			MaxConns:        cfg.Database.MaxConns,
			MaxConnIdleTime: cfg.Database.IdleTime,
		})
		if err != nil {
			return err
		}
		defer pool.Close()
		logger.Info("connected to postgres")

		if cfg.Database.AutoMigrate {
			n, err := database.Migrate(ctx, pool, logger)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", zap.Int("count", n))
		}
		anchorStore = anchor.NewPostgresStore(pool, logger)
		auditStore = audit.NewPostgresStore(pool)
		probes = append(probes, health.Probe{Name: "postgres", Check: health.PingProbe(pool)})
	} else {
		logger.Warn("database.url not set, state is kept in memory only")
		anchorStore = anchor.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
	}

	// ── Ledger ────────────────────────────────────────────────────────────────
	client, err := newLedgerClient(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.Ledger.HealthURL != "" {
		probes = append(probes, health.Probe{Name: "ledger", Check: health.HTTPProbe(nil, cfg.Ledger.HealthURL)})
	} else {
		probes = append(probes, health.Probe{Name: "ledger", Check: health.LedgerProbe(client)})
	}

	// ── Status cache ──────────────────────────────────────────────────────────
	rc, err := redis.New(ctx, redis.Config{URL: cfg.Redis.URL, PoolSize: cfg.Redis.PoolSize})
	if err != nil {
		return err
	}
	var cache verification.Cache
	if rc != nil {
		defer rc.Close() //nolint:errcheck
		cache = verification.NewRedisCache(rc, cfg.Cache.TTL, logger)
		probes = append(probes, health.Probe{Name: "redis", Check: rc.Health, Optional: true})
	} else {
		mc := verification.NewMemoryCache(cfg.Cache.TTL)
		mc.StartEviction(ctx, cfg.Cache.EvictInterval, logger)
		cache = mc
	}

	// ── Events ────────────────────────────────────────────────────────────────
	sinks := []events.Sink{{Name: "log", Publisher: events.NewLogPublisher(logger)}}
	var kafka *events.KafkaPublisher
	if cfg.Events.Kafka.Brokers != "" {
		kafka, err = events.NewKafkaPublisher(cfg.KafkaConfig(), logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, events.Sink{Name: "kafka", Publisher: kafka})
		probes = append(probes, health.Probe{Name: "kafka", Check: health.PingProbe(kafka), Optional: true})
	}
	if cfg.Events.Webhook.URL != "" {
		sinks = append(sinks, events.Sink{
			Name:      "webhook",
			Publisher: events.NewWebhookPublisher(cfg.Events.Webhook.URL, cfg.Events.Webhook.Secret, logger),
		})
	}
	queue := events.NewQueue(events.NewFanout(sinks...), cfg.Events.QueueSize, cfg.Events.PublishTimeout, logger)
	queue.Start()

	// ── Anchoring + reconciliation ────────────────────────────────────────────
	locks := keylock.New(lockShards)
	engine := anchor.NewEngine(anchorStore, client, locks, cfg.EngineConfig(), logger)
	reconciler := audit.NewReconciler(auditStore, engine, client, locks, queue, cfg.ReconcilerConfig(), logger)
	svc := verification.NewService(engine, reconciler, cache, queue, logger)

	worker := anchor.NewWorker(engine, logger,
		anchor.WithBatchSize(cfg.Anchor.BatchSize),
		anchor.WithConcurrency(cfg.Anchor.Concurrency),
		anchor.WithPollInterval(cfg.Anchor.WorkerInterval),
	)
	worker.Start()
	reconciler.Start()

	// ── gRPC health ───────────────────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", cfg.Server.GRPCPort, err)
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	healthSvc := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	reflection.Register(grpcServer)

	checker := health.New(probes, cfg.HealthConfig(), logger)
	checker.SetStatusChange(func(ctx context.Context, name string, healthy bool) {
		serving := grpc_health_v1.HealthCheckResponse_SERVING
		if !healthy {
			serving = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		healthSvc.SetServingStatus(name, serving)
		if ok, _ := checker.Status(ctx); ok {
			healthSvc.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		} else {
			healthSvc.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		}
	})
	for _, p := range probes {
		healthSvc.SetServingStatus(p.Name, grpc_health_v1.HealthCheckResponse_SERVING)
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	router := handler.NewRouter(ctx, handler.RouterConfig{
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS: cfg.Server.RateLimitRPS,
	}, handler.NewVerificationHandler(svc, logger), checker.Status, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("anchord HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("anchord gRPC health listening", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		checker.Start(gctx)
		return nil
	})
	if rc != nil {
		g.Go(func() error {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					rc.RecordPoolStats()
				}
			}
		})
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down anchord...")

		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		healthSvc.Shutdown()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			logger.Error("HTTP shutdown error", zap.Error(err))
		}
		grpcServer.GracefulStop()

		if err := worker.Stop(shutCtx); err != nil {
			logger.Error("anchor worker stop", zap.Error(err))
		}
		if err := reconciler.Stop(shutCtx); err != nil {
			logger.Error("reconciler stop", zap.Error(err))
		}
		if err := queue.Stop(shutCtx); err != nil {
			logger.Error("event queue stop", zap.Error(err))
		}
		if kafka != nil {
			kafka.Close(shutCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("anchord stopped")
	return nil
}

func newLedgerClient(cfg *config.Config, logger *zap.Logger) (ledger.Client, error) {
	if cfg.Ledger.Mode == config.LedgerSimulated {
		logger.Warn("using the in-process simulated ledger", zap.Int("confirm_after", cfg.Ledger.ConfirmAfter))
		return ledger.NewSimulated(ledger.WithConfirmAfter(cfg.Ledger.ConfirmAfter)), nil
	}

	signer, err := cfg.Signer()
	if err != nil {
		return nil, err
	}
	c, err := ledger.NewRPCClient(cfg.RPCConfig(), signer, logger)
	if err != nil {
		return nil, fmt.Errorf("ledger client: %w", err)
	}
	logger.Info("ledger gateway configured",
		zap.String("endpoint", cfg.Ledger.Endpoint),
		zap.Int64("chain_id", signer.ChainID),
		zap.String("contract", signer.ContractAddress),
	)
	return c, nil
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		code := status.Code(err).String()
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", code),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
