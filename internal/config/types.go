package config

// Config is the root configuration for the orchestrator process. Populated
// entirely from environment variables (see Load); there is no on-disk
// config file in this domain.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	AgentAPI     AgentAPIConfig     `mapstructure:"agent_api"`
	GitHub       GitHubConfig       `mapstructure:"github"`
	GitLab       GitLabConfig       `mapstructure:"gitlab"`
	Guardrails   GuardrailsConfig   `mapstructure:"guardrails"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	ServiceMap   ServiceMapConfig   `mapstructure:"service_map"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// DatabaseConfig controls the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default, local runs and tests) or "postgres"
	// (production).
	Driver string `mapstructure:"driver"`
	// Path is the SQLite file path (used when Driver == "sqlite").
	Path string `mapstructure:"path"`
	// DSN is the PostgreSQL connection string (used when Driver == "postgres").
	DSN string `mapstructure:"dsn"`
}

// AgentAPIConfig holds credentials and endpoint for the external coding
// agent that performs remediation.
type AgentAPIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"` // #nosec G101 -- config field, not a hardcoded credential
}

// GitHubConfig holds credentials for the GitHub API used by the status
// reconciler (check-runs, PR metadata, open-PR search).
type GitHubConfig struct {
	Token string `mapstructure:"token"`
	// Host allows GitHub Enterprise Server (e.g. github.mycompany.com).
	Host string `mapstructure:"host"`
}

// GitLabConfig holds credentials for GitLab-hosted target repositories.
// Optional: only required when the service map references a GitLab repo.
type GitLabConfig struct {
	Token string `mapstructure:"token"`
	Host  string `mapstructure:"host"`
}

// GuardrailsConfig mirrors internal/guardrails.Guardrails so the
// orchestrator can build guardrails from the same Config it loads
// everything else from.
type GuardrailsConfig struct {
	MaxParallel int  `mapstructure:"max_parallel"`
	CIRequired  bool `mapstructure:"ci_required"`
	AutoMerge   bool `mapstructure:"auto_merge"`
}

// NotifyConfig controls outbound push notifications for pr-opened and
// recovery-complete events.
type NotifyConfig struct {
	Slack    SlackNotifyConfig    `mapstructure:"slack"`
	Telegram TelegramNotifyConfig `mapstructure:"telegram"`
	Email    EmailNotifyConfig    `mapstructure:"email"`
	Webhook  WebhookNotifyConfig  `mapstructure:"webhook"`
	// Events is the explicit list of event types to notify on. Empty means
	// use defaults: pr_opened, recovery_complete.
	Events []string `mapstructure:"events"`
}

// SlackNotifyConfig holds the Slack incoming webhook URL.
type SlackNotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// TelegramNotifyConfig holds Telegram Bot API credentials.
type TelegramNotifyConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// EmailNotifyConfig holds SMTP settings for email notifications.
type EmailNotifyConfig struct {
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"` // #nosec G101 -- config field, not a hardcoded credential
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
	UseTLS   bool   `mapstructure:"use_tls"`
}

// WebhookNotifyConfig holds the recovery/PR-opened webhook sink settings.
type WebhookNotifyConfig struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"` // HMAC-SHA256 signing key // #nosec G101 -- config field, not a hardcoded credential
}

// ServiceMapConfig points at the service registry describing each
// downstream repo's paths and dependency edges.
type ServiceMapConfig struct {
	Path string `mapstructure:"path"`
}

// OrchestratorConfig controls the run's polling cadence and CI-unknown
// tolerance.
type OrchestratorConfig struct {
	// PollInterval is how often the reconciler re-checks in-flight jobs, as
	// a Go duration string (e.g. "30s").
	PollInterval string `mapstructure:"poll_interval"`
	// CIUnknownMaxAttempts bounds how many polls may observe an unresolved
	// CI status before a job is marked ci_failed. The count is kept per job
	// and is not reset when a later poll sees CI resolve.
	CIUnknownMaxAttempts int `mapstructure:"ci_unknown_max_attempts"`
	// MaxWavePolls bounds how many PollInterval-spaced polls a wave wait
	// loop takes before proceeding to the gating step regardless.
	MaxWavePolls int `mapstructure:"max_wave_polls"`
	// DryRunSeed seeds the deterministic state sampler --dry-run uses in
	// place of real dispatch.
	DryRunSeed int64 `mapstructure:"dry_run_seed"`
	// DryRunGreenProb and DryRunCIFailedProb are the simulated-outcome
	// probabilities the dry-run sampler rolls against; every roll above
	// their sum lands on needs_human. DryRunNeedsHumanProb is loaded but the
	// sampler does not read it.
	DryRunGreenProb      float64 `mapstructure:"dry_run_green_prob"`
	DryRunCIFailedProb   float64 `mapstructure:"dry_run_ci_failed_prob"`
	DryRunNeedsHumanProb float64 `mapstructure:"dry_run_needs_human_prob"`
}
