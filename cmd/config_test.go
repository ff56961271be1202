package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskup/outbox/cmd/config"
	"github.com/taskup/outbox/cmd/dev"
	"github.com/taskup/outbox/cmd/serve"
)

type cmd func(*config.Config, *viper.Viper) *cobra.Command

func TestConfig(t *testing.T) {
	tests := []struct {
		name   string
		cmds   []cmd
		file   string
		env    map[string]string
		args   []string
		assert func(*testing.T, string, *config.Config)
	}{
		{
			name: "default serve",
			cmds: []cmd{serve.NewCmd},
			assert: func(t *testing.T, _ string, cfg *config.Config) {
				assert.Equal(t, config.Sqlite, cfg.Store.Kind)
				assert.Equal(t, "@TaskUp:pendingOperations", cfg.Store.Queue.Key)
				assert.Equal(t, "outbox.db", cfg.Store.Sqlite.Path)
				assert.Equal(t, 10*time.Second, cfg.Store.Sqlite.TxTimeout)
				assert.Equal(t, "localhost", cfg.Store.Postgres.Host)
				assert.Equal(t, map[string]string{"sslmode": "disable"}, cfg.Store.Postgres.Query)
				assert.Equal(t, "http://127.0.0.1:8080", cfg.Remote.Url)
				assert.Equal(t, 30*time.Second, cfg.Remote.Timeout)
				assert.Equal(t, "Idempotency-Key", cfg.Remote.IdempotencyHeader)
				assert.Empty(t, cfg.Remote.Headers)
				assert.Equal(t, config.Probe, cfg.Connectivity.Kind)
				assert.Equal(t, 500*time.Millisecond, cfg.Connectivity.Debounce)
				assert.Equal(t, "@every 5s", cfg.Connectivity.Probe.Schedule)
				assert.Equal(t, cfg.Remote.Url, cfg.Connectivity.Probe.Url)
				assert.Equal(t, 3*time.Second, cfg.Sync.RevertAfter)
				assert.False(t, cfg.Sync.RetryServerErrors)
				assert.Equal(t, "127.0.0.1:8090", cfg.API.Addr)
				assert.Empty(t, cfg.API.CorsOrigins)
				assert.Equal(t, "HS256", cfg.API.Auth.JWT.Algorithm)
				assert.Equal(t, 9090, cfg.MetricsPort)
				assert.Equal(t, "info", cfg.LogLevel)
				assert.Equal(t, "text", cfg.LogFormat)
			},
		},
		{
			name: "default dev",
			cmds: []cmd{dev.NewCmd},
			assert: func(t *testing.T, _ string, cfg *config.Config) {
				assert.Equal(t, config.Memory, cfg.Store.Kind)
				assert.Equal(t, config.Manual, cfg.Connectivity.Kind)
				assert.Equal(t, "debug", cfg.LogLevel)
				assert.Equal(t, "http://127.0.0.1:8080", cfg.Remote.Url)
			},
		},
		{
			name: "config file",
			cmds: []cmd{serve.NewCmd, dev.NewCmd},
			file: `
store:
  kind: postgres
  queue:
    key: "@Test:ops"
  postgres:
    host: db
    database: tasks
remote:
  url: https://api.taskup.io
  idempotencyHeader: X-Request-Id
  headers:
    x-client: mobile
connectivity:
  kind: manual
  debounce: 2s
sync:
  revertAfter: 5s
  retryServerErrors: true
api:
  addr: 0.0.0.0:9000
  corsOrigins:
  - https://app.taskup.io
  auth:
    provider: basic
    basic:
      alice: secret
logLevel: warn`,
			assert: func(t *testing.T, _ string, cfg *config.Config) {
				assert.Equal(t, config.Postgres, cfg.Store.Kind)
				assert.Equal(t, "@Test:ops", cfg.Store.Queue.Key)
				assert.Equal(t, "db", cfg.Store.Postgres.Host)
				assert.Equal(t, "tasks", cfg.Store.Postgres.Database)
				assert.Equal(t, "https://api.taskup.io", cfg.Remote.Url)
				assert.Equal(t, "X-Request-Id", cfg.Remote.IdempotencyHeader)
				assert.Equal(t, map[string]string{"x-client": "mobile"}, cfg.Remote.Headers)
				assert.Equal(t, config.Manual, cfg.Connectivity.Kind)
				assert.Equal(t, 2*time.Second, cfg.Connectivity.Debounce)
				assert.Equal(t, "https://api.taskup.io", cfg.Connectivity.Probe.Url)
				assert.Equal(t, 5*time.Second, cfg.Sync.RevertAfter)
				assert.True(t, cfg.Sync.RetryServerErrors)
				assert.Equal(t, "0.0.0.0:9000", cfg.API.Addr)
				assert.Equal(t, []string{"https://app.taskup.io"}, cfg.API.CorsOrigins)
				assert.Equal(t, "basic", cfg.API.Auth.Provider)
				assert.Equal(t, map[string]string{"alice": "secret"}, cfg.API.Auth.Basic)
				assert.Equal(t, "warn", cfg.LogLevel)
			},
		},
		{
			name: "config flags take precedence",
			cmds: []cmd{serve.NewCmd, dev.NewCmd},
			file: `
store:
  kind: postgres
remote:
  url: https://api.taskup.io
connectivity:
  probe:
    url: https://status.taskup.io
sync:
  revertAfter: 5s
logLevel: warn`,
			args: []string{
				"--store-kind", "sqlite",
				"--store-sqlite-path", "tasks.db",
				"--remote-url", "https://staging.taskup.io",
				"--remote-headers", "x-client=cli,x-team=core",
				"--sync-revert-after", "1s",
				"--api-cors-origins", "https://a.taskup.io,https://b.taskup.io",
				"--log-level", "error",
			},
			assert: func(t *testing.T, _ string, cfg *config.Config) {
				assert.Equal(t, config.Sqlite, cfg.Store.Kind)
				assert.Equal(t, "tasks.db", cfg.Store.Sqlite.Path)
				assert.Equal(t, "https://staging.taskup.io", cfg.Remote.Url)
				assert.Equal(t, map[string]string{"x-client": "cli", "x-team": "core"}, cfg.Remote.Headers)
				assert.Equal(t, "https://status.taskup.io", cfg.Connectivity.Probe.Url)
				assert.Equal(t, time.Second, cfg.Sync.RevertAfter)
				assert.Equal(t, []string{"https://a.taskup.io", "https://b.taskup.io"}, cfg.API.CorsOrigins)
				assert.Equal(t, "error", cfg.LogLevel)
			},
		},
		{
			name: "env overrides config file",
			cmds: []cmd{serve.NewCmd},
			file: `
remote:
  url: https://api.taskup.io
metricsPort: 9100`,
			env: map[string]string{
				"OUTBOX_REMOTE_URL":  "https://env.taskup.io",
				"OUTBOX_METRICSPORT": "0",
			},
			args: []string{"--log-level", "debug"},
			assert: func(t *testing.T, _ string, cfg *config.Config) {
				assert.Equal(t, "https://env.taskup.io", cfg.Remote.Url)
				assert.Equal(t, 0, cfg.MetricsPort)
				assert.Equal(t, "debug", cfg.LogLevel)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			for _, cmdFunc := range tt.cmds {
				cfg := &config.Config{}
				vip := viper.New()
				cmd := cmdFunc(cfg, vip)

				t.Run(cmd.Name(), func(t *testing.T) {
					// set up config file
					configFile := filepath.Join(t.TempDir(), "outbox.yaml")
					err := os.WriteFile(configFile, []byte(tt.file), 0644)
					require.NoError(t, err)

					// wire up config file
					err = cmd.Flags().Set("config", configFile)
					require.NoError(t, err)

					// call command with flags
					err = cmd.ParseFlags(tt.args)
					require.NoError(t, err)

					// run pre-run to load config
					err = cmd.PreRunE(cmd, []string{})
					require.NoError(t, err)

					// decode config
					err = cfg.Parse(vip)
					require.NoError(t, err)

					tt.assert(t, cmd.Name(), cfg)
				})
			}
		})
	}
}

func TestConfigInstantiates(t *testing.T) {
	cfg := &config.Config{}
	vip := viper.New()
	_ = dev.NewCmd(cfg, vip)

	require.NoError(t, cfg.Parse(vip))

	store, err := cfg.Store.New()
	require.NoError(t, err)
	assert.Equal(t, "kv:memory", store.String())
	require.NoError(t, store.Close())

	signal, err := cfg.Connectivity.New()
	require.NoError(t, err)
	assert.Equal(t, "connectivity:manual", signal.String())

	cfg.Store.Kind = "redis"
	_, err = cfg.Store.New()
	assert.Error(t, err)

	cfg.Connectivity.Kind = "carrier-pigeon"
	_, err = cfg.Connectivity.New()
	assert.Error(t, err)
}
