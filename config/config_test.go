package config

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/spacebot/core"
	"github.com/hupe1980/spacebot/logging"
)

const sample = `
agent_id: ${AGENT}
limits: { branch_limit: 2, worker_limit: 4, max_processes: 20 }
turns: { channel: 6, branch: 8, worker: 30 }
routing:
  cooldown: 30s
  retriable_status_codes: [502, 503]
  routes:
    channel: [gpt-4o, claude-sonnet]
    branch: [gpt-4o-mini]
    worker: [claude-sonnet]
  task_routes:
    worker: { coding: [claude-opus] }
bus: { buffer_size: 64 }
logging: { level: debug, format: json }
`

func lookup(env map[string]string) EnvLookup {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample), WithEnvLookup(lookup(map[string]string{"AGENT": "ops"})))
	require.NoError(t, err)

	assert.Equal(t, "ops", cfg.AgentID)
	assert.Equal(t, Limits{BranchLimit: 2, WorkerLimit: 4, MaxProcesses: 20}, cfg.Limits)
	assert.Equal(t, 30*time.Second, cfg.Routing.Cooldown)
	assert.Equal(t, 4, cfg.Tools.Parallelism, "unset sections keep defaults")
	assert.Equal(t, 30, cfg.History.ChannelRecentTurns)
	assert.True(t, cfg.Channel.ReactToResults)

	rc := cfg.RouterConfig()
	assert.Equal(t, []string{"gpt-4o", "claude-sonnet"}, rc.Routes[core.KindChannel])
	assert.Equal(t, []string{"claude-opus"}, rc.TaskRoutes[core.KindWorker]["coding"])
	assert.Equal(t, []int{502, 503}, rc.TransientStatusCodes)

	lc := cfg.LoggerConfig()
	assert.Equal(t, logging.LogLevelDebug, lc.Level)
	assert.Equal(t, "json", lc.Format)
}

func TestParse_ChannelSection(t *testing.T) {
	doc := sample + "channel: { react_to_results: false }\n"
	cfg, err := Parse([]byte(doc), WithEnvLookup(lookup(map[string]string{"AGENT": "ops"})))
	require.NoError(t, err)
	assert.False(t, cfg.Channel.ReactToResults)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("agent_id: a\nbogus: 1\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default()
		c.Routing.Routes = map[string][]string{"channel": {"a"}, "branch": {"a"}, "worker": {"a"}}
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"branch budget not below worker", func(c *Config) { c.Turns.Branch = 40 }, "must be smaller than turns.worker"},
		{"zero branch limit", func(c *Config) { c.Limits.BranchLimit = 0 }, "branch_limit must be positive"},
		{"negative ceiling", func(c *Config) { c.Limits.MaxProcesses = -1 }, "must not be negative"},
		{"missing route", func(c *Config) { delete(c.Routing.Routes, "worker") }, "routing.routes.worker"},
		{"unknown kind", func(c *Config) { c.Routing.Routes["cron"] = []string{"a"} }, `unknown process kind "cron"`},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"zero cooldown", func(c *Config) { c.Routing.Cooldown = 0 }, "cooldown must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingOrEmptyFileYieldsDefaults(t *testing.T) {
	missing := WithReadFile(func(string) ([]byte, error) { return nil, os.ErrNotExist })
	cfg, err := Load("spacebot.yaml", missing)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	empty := WithReadFile(func(string) ([]byte, error) { return []byte("  \n"), nil })
	cfg, err = Load("spacebot.yaml", empty)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	broken := WithReadFile(func(string) ([]byte, error) { return nil, errors.New("permission denied") })
	_, err = Load("spacebot.yaml", broken)
	assert.ErrorContains(t, err, "read config file")
}

func TestLoad_File(t *testing.T) {
	path := t.TempDir() + "/spacebot.yaml"
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path, WithEnvLookup(lookup(map[string]string{"AGENT": "file"})))
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.AgentID)
}
