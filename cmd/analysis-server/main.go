package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/analysis"
	"github.com/park285/cheese-lichess-bot/internal/chess"
	"github.com/park285/cheese-lichess-bot/internal/chess/uci"
	appcfg "github.com/park285/cheese-lichess-bot/internal/config"
	"github.com/park285/cheese-lichess-bot/internal/obslog"
)

func main() {
	if err := obslog.InitFromEnv("analysis-server"); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	cfg, err := appcfg.Load()
	if err != nil {
		logger.Fatal("config_error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	engine, err := chess.NewEngine(startCtx, chess.EngineConfig{
		BinaryPath:   cfg.StockfishPath,
		PoolSize:     cfg.EnginePoolSize,
		Threads:      cfg.EngineThreads,
		HashMB:       cfg.EngineHashMB,
		SkillLevel:   uci.MaxSkillLevel,
		DefaultDepth: cfg.AnalysisDepth,
	}, logger.Named("engine"))
	cancel()
	if err != nil {
		logger.Fatal("engine_start_failed", zap.String("binary", cfg.StockfishPath), zap.Error(err))
	}
	defer engine.Close()

	srv := analysis.NewServer(analysis.NewAnalyzer(engine, cfg.AnalysisMultiPV, cfg.AnalysisDepth, logger.Named("analyzer")), logger)
	srv.Origins = cfg.AnalysisOrigins

	if err := analysis.ListenAndServe(ctx, cfg.AnalysisAddr, srv, logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("analysis_server_failed", zap.Error(err))
	}
	logger.Info("analysis_server_stopped")
}
