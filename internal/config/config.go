package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// DefaultDBFile is the SQLite path used when DATABASE_DRIVER is unset or
	// "sqlite" and DATABASE_PATH is not given.
	DefaultDBFile = "propagate.db"
	// DefaultServiceMapPath is where Load looks for the service registry
	// when SERVICE_MAP_PATH is unset.
	DefaultServiceMapPath = "service_map.yaml"
)

// Load builds a Config purely from environment variables — there is no
// config file in this domain. configPath, if non-empty, overrides
// SERVICE_MAP_PATH (the --config CLI flag points at the service map, not at
// a settings file).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if configPath != "" {
		cfg.ServiceMap.Path = configPath
	}
	return &cfg, nil
}

// setDefaults populates viper with sensible out-of-the-box values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", DefaultDBFile)
	v.SetDefault("database.dsn", "")

	v.SetDefault("guardrails.max_parallel", 3)
	v.SetDefault("guardrails.ci_required", true)
	v.SetDefault("guardrails.auto_merge", false)

	v.SetDefault("service_map.path", DefaultServiceMapPath)

	v.SetDefault("orchestrator.poll_interval", "30s")
	v.SetDefault("orchestrator.ci_unknown_max_attempts", 5)
	v.SetDefault("orchestrator.max_wave_polls", 30)
	v.SetDefault("orchestrator.dry_run_seed", 42)
	v.SetDefault("orchestrator.dry_run_green_prob", 0.7)
	v.SetDefault("orchestrator.dry_run_ci_failed_prob", 0.2)
	v.SetDefault("orchestrator.dry_run_needs_human_prob", 0.1)
}

// bindEnv wires each mapstructure key to a fixed environment variable name
// explicitly, since the nested key.subkey shape viper derives by
// default (DATABASE_DRIVER, AGENT_API_BASE_URL, ...) would otherwise fight
// with the flatter names the external interfaces document
// (AGENT_API_KEY, GITHUB_TOKEN, NOTIFICATION_WEBHOOK_URL). Only the
// guardrail and orchestrator knobs carry a PROPAGATE_ prefix; the names are
// not configurable.
func bindEnv(v *viper.Viper) {
	binds := map[string]string{
		"database.driver":                     "DATABASE_DRIVER",
		"database.path":                        "DATABASE_PATH",
		"database.dsn":                         "DATABASE_URL",
		"agent_api.base_url":                   "AGENT_API_BASE",
		"agent_api.api_key":                    "AGENT_API_KEY",
		"github.token":                         "GITHUB_TOKEN",
		"github.host":                          "GITHUB_HOST",
		"gitlab.token":                         "GITLAB_TOKEN",
		"gitlab.host":                          "GITLAB_HOST",
		"guardrails.max_parallel":              "PROPAGATE_MAX_PARALLEL",
		"guardrails.ci_required":               "PROPAGATE_CI_REQUIRED",
		"guardrails.auto_merge":                "PROPAGATE_AUTO_MERGE",
		"notify.webhook.url":                   "NOTIFICATION_WEBHOOK_URL",
		"notify.webhook.secret":                "NOTIFICATION_WEBHOOK_SECRET",
		"notify.slack.webhook_url":             "SLACK_WEBHOOK_URL",
		"notify.telegram.bot_token":            "TELEGRAM_BOT_TOKEN",
		"notify.telegram.chat_id":              "TELEGRAM_CHAT_ID",
		"service_map.path":                     "SERVICE_MAP_PATH",
		"orchestrator.poll_interval":              "PROPAGATE_POLL_INTERVAL",
		"orchestrator.ci_unknown_max_attempts":     "PROPAGATE_CI_UNKNOWN_MAX_ATTEMPTS",
		"orchestrator.max_wave_polls":              "PROPAGATE_MAX_WAVE_POLLS",
		"orchestrator.dry_run_seed":                "PROPAGATE_DRY_RUN_SEED",
		"orchestrator.dry_run_green_prob":          "PROPAGATE_DRY_RUN_GREEN_PROB",
		"orchestrator.dry_run_ci_failed_prob":      "PROPAGATE_DRY_RUN_CI_FAILED_PROB",
		"orchestrator.dry_run_needs_human_prob":    "PROPAGATE_DRY_RUN_NEEDS_HUMAN_PROB",
	}
	for key, env := range binds {
		_ = v.BindEnv(key, env)
	}
}

// EnsureDir creates the SQLite database's parent directory if needed. A
// no-op for non-sqlite drivers, an empty path, or a path with no directory
// part.
func EnsureDir(cfg *Config) error {
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path == "" {
		return nil
	}
	dir := filepath.Dir(cfg.Database.Path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}
	return nil
}
