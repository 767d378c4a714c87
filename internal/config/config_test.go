package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(mapLookup(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LichessBaseURL != "https://lichess.org" {
		t.Fatalf("base url = %q", cfg.LichessBaseURL)
	}
	if cfg.PollInterval != 2*time.Second || cfg.MoveTime != 50*time.Millisecond {
		t.Fatalf("unexpected timing defaults: %v %v", cfg.PollInterval, cfg.MoveTime)
	}
	if cfg.SendMaxRetries != 3 || cfg.SendRetryDelay != time.Second {
		t.Fatalf("unexpected retry defaults: %d %v", cfg.SendMaxRetries, cfg.SendRetryDelay)
	}
	if cfg.ReconnectInitial != time.Second || cfg.ReconnectMax != time.Minute {
		t.Fatalf("unexpected reconnect defaults: %v %v", cfg.ReconnectInitial, cfg.ReconnectMax)
	}
	if cfg.ActiveGameTTL != 30*time.Second {
		t.Fatalf("claim ttl = %v", cfg.ActiveGameTTL)
	}
	if cfg.SkillLevel != 3 || cfg.AnalysisAddr != "localhost:8765" || cfg.AnalysisMultiPV != 3 {
		t.Fatalf("unexpected engine/analysis defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(mapLookup(map[string]string{
		"LICHESS_BASE_URL":     "http://localhost:9663/",
		"POLL_INTERVAL":        "0.5",
		"MOVE_TIME":            "120ms",
		"MAX_CONCURRENT_GAMES": "4",
		"BOT_PROFILE":          "strong",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LichessBaseURL != "http://localhost:9663" {
		t.Fatalf("trailing slash not trimmed: %q", cfg.LichessBaseURL)
	}
	if cfg.PollInterval != 500*time.Millisecond || cfg.MoveTime != 120*time.Millisecond {
		t.Fatalf("durations: %v %v", cfg.PollInterval, cfg.MoveTime)
	}
	if cfg.MaxConcurrentGames != 4 {
		t.Fatalf("max games = %d", cfg.MaxConcurrentGames)
	}
	if cfg.BotProfile != "strong" || cfg.SkillLevel != 20 {
		t.Fatalf("profile: %q %d", cfg.BotProfile, cfg.SkillLevel)
	}
}

func TestSkillPrecedence(t *testing.T) {
	cfg, err := load(mapLookup(map[string]string{
		"BOT_PROFILE":     "godlike",
		"STOCKFISH_SKILL": "x",
		"BOT_SKILL_LEVEL": "9",
		"START_BOT_SKILL": "2",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SkillLevel != 9 {
		t.Fatalf("expected BOT_SKILL_LEVEL to win, got %d", cfg.SkillLevel)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	if _, err := load(mapLookup(map[string]string{"SEND_MAX_RETRIES": "0"})); err == nil {
		t.Fatalf("expected error for zero retries")
	}
	if _, err := load(mapLookup(map[string]string{"POLL_INTERVAL": "soon"})); err == nil {
		t.Fatalf("expected error for bad duration")
	}
	if _, err := load(mapLookup(map[string]string{"BOT_PROFILE": "grandmaster"})); err == nil {
		t.Fatalf("expected error for unknown profile")
	}
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.yaml")
	body := "lichess_token: from-file\nMOVE_DEPTH: 12\nANALYSIS_ADDR: 0.0.0.0:9000\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("ANALYSIS_ADDR", "127.0.0.1:8765")
	t.Setenv("LICHESS_TOKEN", "")

	cfg, err := LoadBot()
	if err != nil {
		t.Fatalf("LoadBot: %v", err)
	}
	if cfg.LichessToken != "from-file" || cfg.MoveDepth != 12 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.AnalysisAddr != "127.0.0.1:8765" {
		t.Fatalf("env should override file, got %q", cfg.AnalysisAddr)
	}
}

func TestLoadBotRequiresToken(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("LICHESS_TOKEN", "")
	if _, err := LoadBot(); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestAnalysisOrigins(t *testing.T) {
	cfg, err := load(mapLookup(map[string]string{"ANALYSIS_ORIGINS": " lichess.org, ,localhost:* "}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AnalysisOrigins) != 2 || cfg.AnalysisOrigins[0] != "lichess.org" || cfg.AnalysisOrigins[1] != "localhost:*" {
		t.Fatalf("unexpected origins %q", cfg.AnalysisOrigins)
	}
}
