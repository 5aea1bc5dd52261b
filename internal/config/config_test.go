package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nyuchitech/mukoko-news-sub006/internal/model"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Default()
	if cfg.Server.ListenAddr != want.Server.ListenAddr {
		t.Errorf("listen addr: %q", cfg.Server.ListenAddr)
	}
	if cfg.Pipeline.MaxRetries != 3 || cfg.Pipeline.RetryBackoff != time.Second {
		t.Errorf("pipeline defaults wrong: %+v", cfg.Pipeline)
	}
	if cfg.Health.WarnThreshold != 5 || cfg.Health.DisableThreshold != 20 {
		t.Errorf("health defaults wrong: %+v", cfg.Health)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  listenAddr: ":9090"
pipeline:
  workers: 2
  stageTimeout: 10s
scheduler:
  tickInterval: 30s
sources:
  - name: Herald
    feedUrl: https://herald.example/feed
    country: ZW
    category: politics
    fetchFrequencyMinutes: 30
  - name: Scraped Site
    feedUrl: https://scraped.example/feed
    extractStrategy: scrape
    contentSelector: "article.story"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen addr not overridden: %q", cfg.Server.ListenAddr)
	}
	if cfg.Pipeline.Workers != 2 || cfg.Pipeline.StageTimeout != 10*time.Second {
		t.Errorf("pipeline overrides wrong: %+v", cfg.Pipeline)
	}
	if cfg.Scheduler.TickInterval != 30*time.Second {
		t.Errorf("tick interval not overridden: %v", cfg.Scheduler.TickInterval)
	}
	// Untouched sections keep their defaults.
	if cfg.Health.DisableThreshold != 20 {
		t.Errorf("health default lost: %+v", cfg.Health)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("expected 2 seed sources, got %d", len(cfg.Sources))
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MUKOKO_DB_PATH", "/tmp/override.db")
	t.Setenv("MUKOKO_LISTEN_ADDR", ":7070")
	t.Setenv("MUKOKO_AI_ENDPOINT", "https://ai.example")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("db path env override lost: %q", cfg.Database.Path)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("listen env override lost: %q", cfg.Server.ListenAddr)
	}
	if cfg.AI.Endpoint != "https://ai.example" {
		t.Errorf("ai endpoint env override lost: %q", cfg.AI.Endpoint)
	}
}

func TestToSource(t *testing.T) {
	t.Parallel()

	sc := SourceConfig{
		Name: "Herald", FeedURL: "https://herald.example/feed",
		Country: "ZW", Category: "politics", FetchFrequency: 30,
	}
	src := sc.ToSource()
	if src.FetchFrequency != 30*time.Minute {
		t.Errorf("frequency conversion wrong: %v", src.FetchFrequency)
	}
	if src.ExtractStrategy != model.ExtractRSS {
		t.Errorf("default strategy should be rss: %q", src.ExtractStrategy)
	}
	if !src.Enabled {
		t.Error("seeded sources should start enabled")
	}

	// Zero frequency falls back to an hour; unknown strategies fall back
	// to rss.
	odd := SourceConfig{Name: "X", FeedURL: "u", ExtractStrategy: "browser"}
	src = odd.ToSource()
	if src.FetchFrequency != 60*time.Minute {
		t.Errorf("zero frequency should default to 60m: %v", src.FetchFrequency)
	}
	if src.ExtractStrategy != model.ExtractRSS {
		t.Errorf("unknown strategy should fall back to rss: %q", src.ExtractStrategy)
	}
}
