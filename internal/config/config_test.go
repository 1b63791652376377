package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "server.json", `{
		"client": {"port": 8099},
		"terminal": {"port": 8000, "token": "`+strings.Repeat("a", 32)+`"},
		"turnTimeout": {"clientResponseTime": 100, "turnTimeout": 250}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8099, cfg.Client.Port)
	require.Equal(t, 8000, cfg.Terminal.Port)
	require.Equal(t, 250, cfg.TurnTimeout.TurnTimeout)
	// Unset keys keep their defaults.
	require.Equal(t, 256, cfg.OutputHandler.BufferSize)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "server.yaml", `
client:
  port: 8099
terminal:
  port: 8000
  token: "`+strings.Repeat("b", 32)+`"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8099, cfg.Client.Port)
	require.Equal(t, strings.Repeat("b", 32), cfg.Terminal.Token)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.ErrorIs(t, err, ErrConfig)
}

func TestLoadMalformed(t *testing.T) {
	path := writeConfig(t, "server.json", `{not json`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrConfig)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TURNCAST_CLIENT_PORT", "9123")
	t.Setenv("TURNCAST_TERMINAL_TOKEN", strings.Repeat("c", 32))

	path := writeConfig(t, "server.json", `{}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9123, cfg.Client.Port)
	require.Equal(t, strings.Repeat("c", 32), cfg.Terminal.Token)
}

func TestValidate(t *testing.T) {
	base := Default()
	require.NoError(t, base.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"client port zero", func(c *Config) { c.Client.Port = 0 }},
		{"client port too high", func(c *Config) { c.Client.Port = 70000 }},
		{"terminal token short", func(c *Config) { c.Terminal.Token = "short" }},
		{"terminal token non-ascii", func(c *Config) { c.Terminal.Token = strings.Repeat("\xff", 32) }},
		{"ui enabled bad token", func(c *Config) { c.UI.Enable = true; c.UI.Token = "short" }},
		{"buffer size zero", func(c *Config) { c.OutputHandler.BufferSize = 0 }},
		{"buffer size above cap", func(c *Config) { c.OutputHandler.BufferSize = MaxBufferSize + 1 }},
		{"ui sink without interval", func(c *Config) { c.OutputHandler.SendToUI = true; c.OutputHandler.TimeInterval = 0 }},
		{"file sink without path", func(c *Config) { c.OutputHandler.SendToFile = true; c.OutputHandler.FilePath = "" }},
		{"turn timeout zero", func(c *Config) { c.TurnTimeout.TurnTimeout = 0 }},
		{"response time zero", func(c *Config) { c.TurnTimeout.ClientResponseTime = 0 }},
		{"webui without addr", func(c *Config) { c.WebUI.Enable = true; c.WebUI.Addr = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrConfig)
		})
	}
}

func TestUIValidationSkippedWhenDisabled(t *testing.T) {
	cfg := Default()
	cfg.UI.Enable = false
	cfg.UI.Port = 0
	cfg.UI.Token = ""
	require.NoError(t, cfg.Validate())
}
