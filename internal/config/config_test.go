package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("API_KEY", "test-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "jit-access.db", cfg.DBPath)
	assert.Equal(t, "policy.yaml", cfg.PolicyFile)
	assert.Equal(t, 2*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, "memory", cfg.DirectoryBackend)
	assert.Equal(t, "api-key", cfg.AuthMode)
	assert.False(t, cfg.SlackEnabled())
	assert.False(t, cfg.KubernetesEnabled())
	assert.False(t, cfg.GitHubEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("AUTH_MODE", "none")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("DIRECTORY_BACKEND", "kubernetes")
	t.Setenv("KUBE_NAMESPACE", "jit")
	t.Setenv("RECONCILE_INTERVAL", "30s")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "jit", cfg.KubeNamespace)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.True(t, cfg.KubernetesEnabled())
	assert.True(t, cfg.SlackEnabled())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			DirectoryBackend:  "memory",
			AuthMode:          "none",
			ReconcileInterval: time.Minute,
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := base()
		cfg.DirectoryBackend = "ldap"
		assert.Error(t, cfg.Validate())
	})

	t.Run("github without credentials", func(t *testing.T) {
		cfg := base()
		cfg.DirectoryBackend = "github"
		assert.Error(t, cfg.Validate())

		cfg.GitHubOrg = "acme"
		cfg.GitHubToken = "ghp_test"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("api-key mode without key", func(t *testing.T) {
		cfg := base()
		cfg.AuthMode = "api-key"
		assert.Error(t, cfg.Validate())

		cfg.APIKey = "secret"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("jwt mode without secret", func(t *testing.T) {
		cfg := base()
		cfg.AuthMode = "jwt"
		assert.Error(t, cfg.Validate())

		cfg.JWTSecret = "secret"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown auth mode", func(t *testing.T) {
		cfg := base()
		cfg.AuthMode = "mtls"
		assert.Error(t, cfg.Validate())
	})

	t.Run("non-positive reconcile interval", func(t *testing.T) {
		cfg := base()
		cfg.ReconcileInterval = 0
		assert.Error(t, cfg.Validate())
	})
}
