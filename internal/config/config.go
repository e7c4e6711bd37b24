package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all service configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`

	// Storage
	DBPath string `envconfig:"DB_PATH" default:"jit-access.db"`

	// Policy
	PolicyFile string `envconfig:"POLICY_FILE" default:"policy.yaml"`

	// Scheduler
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"2m"`
	RetentionInterval time.Duration `envconfig:"RETENTION_INTERVAL" default:"24h"`

	// Directory backend: "memory", "kubernetes", or "github"
	DirectoryBackend string `envconfig:"DIRECTORY_BACKEND" default:"memory"`

	// Kubernetes directory (entitlements are RoleBindings in this namespace)
	KubeconfigPath string `envconfig:"KUBECONFIG_PATH"`
	KubeNamespace  string `envconfig:"KUBE_NAMESPACE" default:"default"`

	// GitHub directory (entitlements are org team slugs)
	GitHubOrg   string `envconfig:"GITHUB_ORG"`
	GitHubToken string `envconfig:"GITHUB_TOKEN"`

	// Slack notifications (optional, the service runs without Slack)
	SlackBotToken        string `envconfig:"SLACK_BOT_TOKEN"`
	SlackApproverChannel string `envconfig:"SLACK_APPROVER_CHANNEL" default:"#access-approvals"`

	// API auth: "api-key", "jwt", or "none"
	AuthMode       string `envconfig:"AUTH_MODE" default:"api-key"`
	APIKey         string `envconfig:"API_KEY"`
	JWTSecret      string `envconfig:"JWT_SECRET"`
	RateLimitRPS   int    `envconfig:"RATE_LIMIT_RPS" default:"100"`
	RateLimitBurst int    `envconfig:"RATE_LIMIT_BURST" default:"200"`
}

// SlackEnabled returns true if a Slack bot token is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != ""
}

// KubernetesEnabled returns true if the Kubernetes directory backend is
// selected.
func (c *Config) KubernetesEnabled() bool {
	return c.DirectoryBackend == "kubernetes"
}

// GitHubEnabled returns true if the GitHub directory backend is selected.
func (c *Config) GitHubEnabled() bool {
	return c.DirectoryBackend == "github"
}

// Validate checks cross-field constraints that envconfig cannot express.
func (c *Config) Validate() error {
	switch c.DirectoryBackend {
	case "memory", "kubernetes", "github":
	default:
		return fmt.Errorf("unknown directory backend %q", c.DirectoryBackend)
	}
	if c.GitHubEnabled() && (c.GitHubOrg == "" || c.GitHubToken == "") {
		return fmt.Errorf("github directory backend requires GITHUB_ORG and GITHUB_TOKEN")
	}
	switch c.AuthMode {
	case "api-key":
		if c.APIKey == "" {
			return fmt.Errorf("auth mode api-key requires API_KEY")
		}
	case "jwt":
		if c.JWTSecret == "" {
			return fmt.Errorf("auth mode jwt requires JWT_SECRET")
		}
	case "none":
	default:
		return fmt.Errorf("unknown auth mode %q", c.AuthMode)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile interval must be positive")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
