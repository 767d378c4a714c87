package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-lichess-bot/internal/archive"
	"github.com/park285/cheese-lichess-bot/internal/chess"
	"github.com/park285/cheese-lichess-bot/internal/chess/uci"
	appcfg "github.com/park285/cheese-lichess-bot/internal/config"
	"github.com/park285/cheese-lichess-bot/internal/game"
	"github.com/park285/cheese-lichess-bot/internal/lichess"
	"github.com/park285/cheese-lichess-bot/internal/obslog"
	"github.com/park285/cheese-lichess-bot/internal/registry"
	"github.com/park285/cheese-lichess-bot/internal/supervisor"
)

func main() {
	if err := obslog.InitFromEnv("lichess-bot"); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	cfg, err := appcfg.LoadBot()
	if err != nil {
		logger.Fatal("config_error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	engine, err := chess.NewEngine(startCtx, chess.EngineConfig{
		BinaryPath:      cfg.StockfishPath,
		PoolSize:        cfg.EnginePoolSize,
		Threads:         cfg.EngineThreads,
		HashMB:          cfg.EngineHashMB,
		SkillLevel:      cfg.SkillLevel,
		DefaultMoveTime: cfg.MoveTime,
		DefaultDepth:    cfg.MoveDepth,
	}, logger.Named("engine"))
	cancel()
	if err != nil {
		logger.Fatal("engine_start_failed", zap.String("binary", cfg.StockfishPath), zap.Error(err))
	}
	defer engine.Close()
	if res := engine.SetSkillLevel(cfg.SkillLevel); res.Status != uci.OptionApplied {
		logger.Warn("engine_skill_option", zap.String("status", res.Status.String()), zap.String("value", res.Value), zap.Error(res.Err))
	}

	reg, closeReg := openRegistry(ctx, cfg, logger)
	defer closeReg()
	arch, closeArch := openArchive(ctx, cfg, logger)
	defer closeArch()

	newClient := func() *lichess.Client {
		return lichess.NewClient(cfg.LichessBaseURL, cfg.LichessToken,
			lichess.WithTimeout(10*time.Second),
			lichess.WithLogger(logger.Named("lichess")),
		)
	}
	if acct, err := newClient().Account(ctx); err != nil {
		logger.Warn("account_lookup_failed", zap.Error(err))
	} else {
		logger.Info("account", zap.String("username", acct.Username), zap.Bool("bot", acct.IsBot()))
	}

	source := game.NewMoveSource(engine, game.Budget{MoveTime: cfg.MoveTime, Depth: cfg.MoveDepth}, logger.Named("moves"))
	sup := supervisor.New(supervisor.Config{
		InitialBackoff:     cfg.ReconnectInitial,
		MaxBackoff:         cfg.ReconnectMax,
		MaxConcurrentGames: cfg.MaxConcurrentGames,
		ClaimTTL:           cfg.ActiveGameTTL,
		SendMaxRetries:     cfg.SendMaxRetries,
		SendRetryDelay:     cfg.SendRetryDelay,
		Session:            game.SessionConfig{PollInterval: cfg.PollInterval},
	}, supervisor.LichessFactory(newClient), source, reg, arch, logger)

	logger.Info("bot_started",
		zap.String("base_url", cfg.LichessBaseURL),
		zap.String("skill", engine.Skill().String()),
		zap.Int("max_games", cfg.MaxConcurrentGames),
	)
	if err := sup.Run(ctx); err != nil {
		logger.Error("supervisor_stopped", zap.Error(err))
	}
	logger.Info("bot_stopped")
}

func openRegistry(ctx context.Context, cfg *appcfg.AppConfig, logger *zap.Logger) (registry.Registry, func()) {
	if cfg.RedisURL == "" {
		return registry.NewMemory(), func() {}
	}
	reg, err := registry.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis_init_failed", zap.Error(err))
	}
	return reg, func() { _ = reg.Close() }
}

func openArchive(ctx context.Context, cfg *appcfg.AppConfig, logger *zap.Logger) (archive.Repository, func()) {
	if cfg.DatabaseURL == "" {
		return archive.NewMemory(), func() {}
	}
	repo, err := archive.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("archive_init_failed", zap.Error(err))
	}
	return repo, func() { _ = repo.Close() }
}
