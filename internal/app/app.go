package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"smartcabinet/internal/bus"
	"smartcabinet/internal/config"
	"smartcabinet/internal/coordinator"
	"smartcabinet/internal/lock"
	"smartcabinet/internal/monitor"
	"smartcabinet/internal/ops"
	"smartcabinet/internal/reconcile"
	"smartcabinet/internal/repository"
	"smartcabinet/internal/ws"
	"smartcabinet/libs/db"
	libredis "smartcabinet/libs/redis"
)

// App owns the orchestrator's long-lived components and their wiring.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	db    *sql.DB
	redis *goredis.Client

	bus         *bus.Memory
	coordinator *coordinator.Coordinator
	monitor     *monitor.Monitor
	outbox      *repository.Outbox
	wsManager   *ws.Manager
	httpServer  *ops.Server
}

// New builds the full component graph: storage, inventory, bus, lock
// controller, reconciliation engine, coordinator, hardware bridge and the
// operator API.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	sqlDB, err := db.NewPostgresDB(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	var redisClient *goredis.Client
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		redisClient, err = libredis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	eventBus := bus.NewMemory(logger)

	store := repository.NewPostgresStore(sqlDB)
	binRepo := repository.NewBinRepository(sqlDB)
	deviceRepo := repository.NewDeviceRepository(sqlDB)

	loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry := reconcile.NewRegistry()
	devices, err := deviceRepo.List(loadCtx)
	if err != nil {
		closeAll(sqlDB, redisClient)
		return nil, fmt.Errorf("load devices: %w", err)
	}
	for _, device := range devices {
		registry.Register(device)
	}

	var lease lock.Lease
	if redisClient != nil {
		lease = lock.NewRedisLease(redisClient)
	}
	lockCtrl := lock.NewController(eventBus, lease, binRepo, lock.Config{
		AckTimeout:    cfg.LockAckTimeout(),
		MaxAttempts:   cfg.Orchestration.LockMaxAttempts,
		FailThreshold: cfg.Orchestration.BinFailThreshold,
	}, logger)

	bins, err := binRepo.List(loadCtx)
	if err != nil {
		closeAll(sqlDB, redisClient)
		return nil, fmt.Errorf("load bins: %w", err)
	}
	for _, bin := range bins {
		lockCtrl.RegisterBin(bin)
	}
	logger.Info("inventory loaded",
		zap.Int("bins", len(bins)),
		zap.Int("devices", len(devices)))

	engine := reconcile.NewEngine(registry, cfg.HeartbeatTimeout(), logger)

	coord := coordinator.NewCoordinator(store, lockCtrl, engine, registry, deviceRepo, coordinator.Config{
		StepTimeout: cfg.StepTimeout(),
		RetryLimit:  cfg.Orchestration.RetryLimit,
		RetryDelay:  cfg.RetryDelay(),
	}, logger)
	coord.Wire(eventBus)

	liveness := monitor.New(registry, eventBus, cfg.MonitorInterval(), cfg.HeartbeatTimeout(), logger)
	outbox := repository.NewOutbox(sqlDB, eventBus, cfg.OutboxInterval(), logger)

	wsManager := ws.NewManager(cfg.PingInterval())
	bridge := ws.NewBridge(eventBus, wsManager, lockCtrl, logger)
	wsServer := ws.NewServer(wsManager, bridge, cfg.WriteTimeout(), logger)

	var tokens *ops.TokenService
	if strings.TrimSpace(cfg.Auth.Secret) != "" {
		tokens = ops.NewTokenService(cfg.Auth.Secret, cfg.TokenTTL())
	}
	handlers := ops.NewHandlers(store, eventBus, logger)
	router := ops.NewRouter(ops.Routes{
		Health:            handlers.Health,
		CreateTransaction: handlers.CreateTransaction,
		GetTransaction:    handlers.GetTransaction,
		ForceNextStep:     handlers.ForceNextStep,
	}, tokens, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/hardware/ws", wsServer.HandleWS)
	mux.Handle("/", router)

	httpServer := ops.NewServer(cfg.HTTPAddress(), mux, logger)

	return &App{
		cfg:         cfg,
		logger:      logger,
		db:          sqlDB,
		redis:       redisClient,
		bus:         eventBus,
		coordinator: coord,
		monitor:     liveness,
		outbox:      outbox,
		wsManager:   wsManager,
		httpServer:  httpServer,
	}, nil
}

// Run starts the background loops, resumes in-flight transactions and
// serves the operator API until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	go a.wsManager.Start(ctx)
	go a.monitor.Run(ctx)
	go a.outbox.Run(ctx)

	if err := a.coordinator.Recover(ctx); err != nil {
		return fmt.Errorf("recover transactions: %w", err)
	}

	a.logger.Info("orchestrator started", zap.String("addr", a.cfg.HTTPAddress()))
	return a.httpServer.Run(ctx)
}

// Close releases external connections.
func (a *App) Close() {
	closeAll(a.db, a.redis)
}

func closeAll(sqlDB *sql.DB, redisClient *goredis.Client) {
	if sqlDB != nil {
		sqlDB.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
}
