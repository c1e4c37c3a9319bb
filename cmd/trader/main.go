package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sportex/tradecore/internal/audit"
	"github.com/sportex/tradecore/internal/config"
	"github.com/sportex/tradecore/internal/gateway"
	"github.com/sportex/tradecore/internal/metrics"
	"github.com/sportex/tradecore/internal/risk"
	"github.com/sportex/tradecore/internal/trading/coordinator"
	"github.com/sportex/tradecore/internal/trading/executor"
	"github.com/sportex/tradecore/internal/trading/strategy"
	"github.com/sportex/tradecore/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	store, err := audit.Open(cfg.Audit.Path, zapLogger)
	if err != nil {
		zapLogger.Fatal("open audit store", zap.Error(err))
	}
	defer store.Close()

	registry := gateway.NewRegistry()
	paper := gateway.NewPaper(
		decimal.NewFromFloat(cfg.Paper.StartingBalance),
		decimal.NewFromFloat(cfg.Paper.FillRatio),
		zapLogger,
	)
	registry.Register(paper)

	calc := risk.NewPositionCalculator(cfg.Commission())
	tracker := risk.NewPositionTracker(calc, registry, zapLogger)
	riskMgr := risk.NewRiskManager(cfg.Risk, tracker, calc, zapLogger)
	factory := strategy.NewFactory(zapLogger)

	limits := executor.Limits{
		MaxOrderSize:       decimal.NewFromFloat(cfg.Executor.MaxOrderSize),
		MaxOrdersPerMinute: cfg.Executor.MaxOrdersPerMinute,
		MaxOrdersPerMarket: cfg.Executor.MaxOrdersPerMarket,
		MinPrice:           decimal.NewFromFloat(cfg.Executor.MinOrderPrice),
		MaxPrice:           decimal.NewFromFloat(cfg.Executor.MaxOrderPrice),
	}
	exec := executor.NewTradeExecutor(registry, factory, riskMgr, limits, zapLogger)
	coord := coordinator.NewTradeCoordinator(registry, exec, tracker, riskMgr, calc, zapLogger)

	// Persist everything the engine emits.
	tracker.OnUpdate(store.RecordPositionChange)
	riskMgr.OnAlert(store.RecordAlert)
	coord.OnEvent(store.RecordTradeEvent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker.Start(ctx)
	riskMgr.Start(ctx)
	exec.Start(ctx)
	coord.Start(ctx)

	go snapshotLoop(ctx, cfg.Audit.SnapshotInterval, tracker, store)

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			zapLogger.Info("metrics endpoint listening", zap.String("addr", cfg.Metrics.Addr))
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				zapLogger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	zapLogger.Info("trading engine started",
		zap.String("provider", registry.Primary()),
		zap.String("audit_db", cfg.Audit.Path))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("shutting down")
	cancel()
	coord.Stop()
	exec.Stop()
	riskMgr.Stop()
	tracker.Stop()

	daily := tracker.GetPnLStatement(24 * time.Hour)
	store.RecordDailyPnL(time.Now(), daily.RealizedPnL, daily.Commission, daily.TradeCount)
	zapLogger.Info("shutdown complete")
}

// snapshotLoop periodically captures portfolio exposure for the audit trail
// and refreshes the portfolio gauges.
func snapshotLoop(ctx context.Context, interval time.Duration, tracker *risk.PositionTracker, store *audit.Store) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := tracker.GetTotalExposure()
			markets := tracker.MarketExposures()
			open := tracker.GetOpenPositions()
			store.RecordExposureSnapshot(total, len(markets), len(open))

			totalFloat, _ := total.Float64()
			metrics.TotalExposure.Set(totalFloat)
			metrics.OpenPositions.Set(float64(len(open)))
		}
	}
}
