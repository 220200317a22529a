package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openecu/tunegate/internal/ecu"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tunegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWithArmCodeFromEnv(t *testing.T) {
	t.Setenv("TUNEGATE_ARM_CODE", "octane-9000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8775", cfg.ListenAddr)
	assert.Equal(t, "octane-9000", cfg.ArmCode)
	assert.Equal(t, ecu.LevelSimulate, cfg.SafetyLevel)
	assert.Equal(t, 15*time.Minute, cfg.SessionTTL.Std())
	assert.Equal(t, 1, cfg.MaxSessions)
	assert.Len(t, cfg.Engines, 3)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
listen_addr: "127.0.0.1:9000"
arm_code: bench-code
safety_level: LIVE_APPLY
session_ttl: 5m
max_sessions: 2
journal_path: /tmp/j.db
catalogue_dir: /etc/tunegate/catalogues
engines:
  - id: kwp-classic
    transport: bench
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, "bench-code", cfg.ArmCode)
	assert.Equal(t, ecu.LevelLiveApply, cfg.SafetyLevel)
	assert.Equal(t, 5*time.Minute, cfg.SessionTTL.Std())
	assert.Equal(t, 2, cfg.MaxSessions)
	assert.Equal(t, "/etc/tunegate/catalogues", cfg.CatalogueDir)
	require.Len(t, cfg.Engines, 1)
	assert.Equal(t, "kwp-classic", cfg.Engines[0].ID)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
arm_code: from-file
listen_addr: ":9000"
engines:
  - id: uds-gen3
    transport: bench
`)
	t.Setenv("TUNEGATE_ARM_CODE", "from-env")
	t.Setenv("TUNEGATE_LISTEN_ADDR", ":9100")
	t.Setenv("TUNEGATE_SESSION_TTL", "90s")
	t.Setenv("TUNEGATE_MAX_SESSIONS", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.ArmCode)
	assert.Equal(t, ":9100", cfg.ListenAddr)
	assert.Equal(t, 90*time.Second, cfg.SessionTTL.Std())
	assert.Equal(t, 4, cfg.MaxSessions)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing arm code",
			body: "listen_addr: \":9000\"\n",
			want: "arm_code",
		},
		{
			name: "bad safety level",
			body: "arm_code: x\nsafety_level: TURBO\n",
			want: "safety_level",
		},
		{
			name: "zero ttl",
			body: "arm_code: x\nsession_ttl: 0s\n",
			want: "session_ttl",
		},
		{
			name: "bad transport",
			body: "arm_code: x\nengines:\n  - id: uds-gen3\n    transport: canbus\n",
			want: "unknown transport",
		},
		{
			name: "engine without id",
			body: "arm_code: x\nengines:\n  - transport: bench\n",
			want: "need an id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
