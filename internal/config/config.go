package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/park285/cheese-lichess-bot/internal/chess"
)

type AppConfig struct {
	LichessToken   string
	LichessBaseURL string

	PollInterval     time.Duration
	MoveTime         time.Duration
	MoveDepth        int
	SendMaxRetries   int
	SendRetryDelay   time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	MaxConcurrentGames int
	// ActiveGameTTL is how long a game claim survives without a heartbeat.
	ActiveGameTTL time.Duration

	StockfishPath  string
	SkillLevel     int
	BotProfile     string
	EngineThreads  int
	EngineHashMB   int
	EnginePoolSize int

	AnalysisAddr    string
	AnalysisMultiPV int
	AnalysisDepth   int
	AnalysisOrigins []string

	RedisURL    string
	DatabaseURL string
}

// Load reads CONFIG_FILE (if set) and then the environment. Environment values
// override the file.
func Load() (*AppConfig, error) {
	file, err := readFile(strings.TrimSpace(os.Getenv("CONFIG_FILE")))
	if err != nil {
		return nil, err
	}
	return load(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	})
}

// LoadBot is Load plus the checks the Lichess bot needs.
func LoadBot() (*AppConfig, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if cfg.LichessToken == "" {
		return nil, errors.New("LICHESS_TOKEN is required")
	}
	return cfg, nil
}

func load(lookup func(string) (string, bool)) (*AppConfig, error) {
	cfg := &AppConfig{
		LichessBaseURL:     "https://lichess.org",
		PollInterval:       2 * time.Second,
		MoveTime:           50 * time.Millisecond,
		SendMaxRetries:     3,
		SendRetryDelay:     time.Second,
		ReconnectInitial:   time.Second,
		ReconnectMax:       60 * time.Second,
		MaxConcurrentGames: 200,
		ActiveGameTTL:      30 * time.Second,
		StockfishPath:      "stockfish",
		SkillLevel:         chess.DefaultSkillLevel,
		EngineThreads:      2,
		EngineHashMB:       64,
		EnginePoolSize:     1,
		AnalysisAddr:       "localhost:8765",
		AnalysisMultiPV:    3,
		AnalysisDepth:      chess.DefaultDepth,
	}
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg.LichessToken = get("LICHESS_TOKEN")
	if v := get("LICHESS_BASE_URL"); v != "" {
		cfg.LichessBaseURL = strings.TrimRight(v, "/")
	}
	cfg.RedisURL = get("REDIS_URL")
	cfg.DatabaseURL = get("DATABASE_URL")
	if v := get("STOCKFISH_PATH"); v != "" {
		cfg.StockfishPath = v
	}
	if v := get("ANALYSIS_ADDR"); v != "" {
		cfg.AnalysisAddr = v
	}
	for _, o := range strings.Split(get("ANALYSIS_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AnalysisOrigins = append(cfg.AnalysisOrigins, o)
		}
	}

	var errs []error
	durations := []struct {
		key string
		dst *time.Duration
		min time.Duration
	}{
		{"POLL_INTERVAL", &cfg.PollInterval, time.Millisecond},
		{"MOVE_TIME", &cfg.MoveTime, 0},
		{"SEND_RETRY_DELAY", &cfg.SendRetryDelay, 0},
		{"RECONNECT_INITIAL", &cfg.ReconnectInitial, time.Millisecond},
		{"RECONNECT_MAX", &cfg.ReconnectMax, time.Millisecond},
		{"ACTIVE_GAME_TTL", &cfg.ActiveGameTTL, time.Second},
	}
	for _, d := range durations {
		v := get(d.key)
		if v == "" {
			continue
		}
		parsed, err := parseDuration(v)
		if err != nil || parsed < d.min {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", d.key, v))
			continue
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
		min int
	}{
		{"MOVE_DEPTH", &cfg.MoveDepth, 0},
		{"SEND_MAX_RETRIES", &cfg.SendMaxRetries, 1},
		{"MAX_CONCURRENT_GAMES", &cfg.MaxConcurrentGames, 1},
		{"ENGINE_THREADS", &cfg.EngineThreads, 1},
		{"ENGINE_HASH_MB", &cfg.EngineHashMB, 1},
		{"ENGINE_POOL_SIZE", &cfg.EnginePoolSize, 1},
		{"ANALYSIS_MULTIPV", &cfg.AnalysisMultiPV, 1},
		{"ANALYSIS_DEPTH", &cfg.AnalysisDepth, 1},
	}
	for _, n := range ints {
		v := get(n.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < n.min {
			errs = append(errs, fmt.Errorf("%s: invalid integer %q", n.key, v))
			continue
		}
		*n.dst = parsed
	}

	if v := get("BOT_PROFILE"); v != "" {
		level, err := chess.ProfileSkill(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.BotProfile = strings.ToLower(v)
			cfg.SkillLevel = level
		}
	}
	// An explicit skill variable beats the profile. Unparsable values are
	// skipped so the next key in the chain can apply.
	if level, found, _ := chess.SkillFromEnv(lookup); found {
		cfg.SkillLevel = level
	}

	if cfg.ReconnectMax < cfg.ReconnectInitial {
		cfg.ReconnectMax = cfg.ReconnectInitial
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// parseDuration accepts Go durations ("50ms", "2s") or bare seconds ("0.05").
func parseDuration(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// readFile loads a flat YAML mapping of the same keys the environment uses.
func readFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]string
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		out[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return out, nil
}
