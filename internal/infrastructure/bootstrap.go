package infrastructure

import (
	"context"
	"log/slog"
	"time"

	"rewardledger/internal/adnetwork"
	"rewardledger/internal/audit"
	"rewardledger/internal/catalog"
	"rewardledger/internal/config"
	"rewardledger/internal/ledger"
	"rewardledger/internal/logging"
	"rewardledger/internal/ratelimit"
	"rewardledger/internal/repository"
	"rewardledger/internal/service"
	"rewardledger/internal/session"
	transportGRPC "rewardledger/internal/transport/grpc"
	transportHTTP "rewardledger/internal/transport/http"
	transportNATS "rewardledger/internal/transport/nats"
	"rewardledger/internal/withdrawal"
	"rewardledger/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New(logging.Options{
		Level:         cfg.LogLevel,
		Format:        cfg.LogFormat,
		IncludeCaller: cfg.LogIncludeCaller,
	})
	slog.SetDefault(logger)

	db, err := connectPostgres(ctx, cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	rdb, err := connectRedis(ctx, cfg.RedisAddr())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() {
		db.Close()
		_ = rdb.Close()
	})

	// ── Domain wiring ──────────────────────────────────────────────────────────
	store := repository.NewPostgres(db)
	recorder := audit.NewRecorder(logger)

	units, err := catalog.Load(cfg.AdUnitsFile)
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	if err := catalog.Seed(ctx, store, recorder, units, time.Now(), logger); err != nil {
		return nil, runCleanup(cleanupFns), err
	}

	l := ledger.New(store, recorder, logger)
	engine := session.NewEngine(store, ratelimit.NewRedis(rdb), l, recorder, session.Config{
		MaxLifetime:  cfg.SessionMaxLifetime,
		MaxRiskScore: cfg.SessionMaxRisk,
	}, logger)
	workflow, err := withdrawal.NewWorkflow(store, l, recorder, nil, withdrawal.Config{
		MinAmount:    cfg.WithdrawalMin,
		Fee:          cfg.WithdrawalFee,
		MaxRiskScore: cfg.WithdrawalMaxRisk,
		PayoutDelay:  cfg.PayoutDelay,
	}, logger)
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	if cfg.AdNetworkSecret == "" {
		logger.Warn("REWARD_ADNETWORK_SECRET is empty; ad-network callbacks will be rejected")
	}
	svc := service.New(store, engine, workflow, l, adnetwork.NewVerifier(cfg.AdNetworkSecret), logger)

	// ── Infrastructure wiring ──────────────────────────────────────────────────
	var bus repository.MessageBus
	var servers []Server

	switch cfg.BusProvider {
	case "nats":
		nc, err := connectNats(cfg.NatsAddr())
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		bus = transportNATS.NewBus(nc)
		cleanupFns = append(cleanupFns, nc.Close)

		// Ad networks may deliver callbacks over NATS as well as HTTP.
		servers = append(servers, transportNATS.NewHandler(svc, nc, logger))

	case "grpc":
		grpcBus, cleanup, err := transportGRPC.NewGrpcBusFromAddr(cfg.GRPCAddr())
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		bus = grpcBus
		cleanupFns = append(cleanupFns, cleanup)
	}

	servers = append(servers,
		transportGRPC.NewServer(cfg.GRPCListen, svc, logger),
		worker.NewOutboxRelay(store, bus, cfg.OutboxInterval, cfg.OutboxBatch, logger),
		worker.NewReconciler(store, l, cfg.ReconcileInterval, logger),
		worker.NewExpirer(engine, cfg.ExpireInterval, logger),
	)
	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		servers = append(servers, transportHTTP.NewServer(addr, svc, cfg.AdminToken, logger))
	} else {
		logger.Info("HTTP API not started", "reason", apiErr.Error())
	}

	return NewApp(servers, logger), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
