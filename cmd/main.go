package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirphl/simtrader/internal/account"
	"github.com/amirphl/simtrader/internal/api"
	"github.com/amirphl/simtrader/internal/candle"
	"github.com/amirphl/simtrader/internal/config"
	"github.com/amirphl/simtrader/internal/db"
	"github.com/amirphl/simtrader/internal/db/conf"
	"github.com/amirphl/simtrader/internal/exchange"
	"github.com/amirphl/simtrader/internal/market"
	"github.com/amirphl/simtrader/internal/metrics"
	"github.com/amirphl/simtrader/internal/settlement"
	"github.com/amirphl/simtrader/internal/simulator"
	"github.com/amirphl/simtrader/internal/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.MustLoadConfig()

	logger := utils.InitLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck
	logger.Info("Starting SimTrader", zap.String("storage", cfg.Storage), zap.String("listen", cfg.ListenAddr))

	// Set up context with cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	storage, closeStorage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer closeStorage()

	cash, _ := cfg.Cash()
	width, _ := cfg.CandleWidth()
	universe := market.DefaultUniverse()
	m := metrics.New()

	if err := account.EnsureUsers(ctx, storage, account.DemoUsers(cash)); err != nil {
		logger.Fatal("Failed to create demo users", zap.Error(err))
	}

	sim := simulator.New(cfg.Simulator, universe, storage, storage, nil, logger, m)
	if err := sim.Seed(ctx); err != nil {
		logger.Fatal("Failed to seed ticks", zap.Error(err))
	}

	engine := settlement.New(storage, storage, universe, cash, logger, m)
	ex := exchange.New(universe, storage, candle.NewService(storage, width), engine, logger, m)

	gin.SetMode(gin.ReleaseMode)
	srv := api.NewServer(ex, api.Options{
		CandleLimit:    cfg.CandleLimit,
		MaxCandleLimit: cfg.MaxCandleLimit,
		Timeframe:      cfg.CandleTimeframe,
	}, logger, m)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := sim.Start(ctx); err != nil {
		logger.Fatal("Failed to start simulator", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	case err := <-errCh:
		logger.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}
	if err := sim.Stop(shutdownCtx); err != nil {
		logger.Warn("Simulator shutdown", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

// openStorage returns the configured storage backend and a function releasing it.
func openStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (db.Storage, func(), error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("Using in-memory storage; state is lost on restart")
		return db.NewMemory(), func() {}, nil
	}

	if cfg.RunMigration {
		if err := db.Migrate(ctx, cfg.DBConnStr, cfg.SchemaPath, logger); err != nil {
			return nil, nil, err
		}
	}

	dbConfig, err := conf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		return nil, nil, err
	}
	storage, err := db.New(*dbConfig)
	if err != nil {
		dbConfig.DB.Close()
		return nil, nil, err
	}
	logger.Info("Connected to Postgres")
	return storage, func() {
		if err := dbConfig.DB.Close(); err != nil {
			logger.Warn("Failed to close database", zap.Error(err))
		}
	}, nil
}
