package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8484, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Hostname)
	assert.True(t, cfg.Server.CORS)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout.Std())
	assert.Equal(t, 1024, cfg.Retention.MaxEvents)
	assert.Equal(t, "memory", cfg.Retention.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_JSONCWithComments(t *testing.T) {
	dir := t.TempDir()
	content := `{
		// listener settings
		"server": {"port": 9000},
		"retention": {
			"maxEvents": 16,
			"maxAge": "5m", // trailing comment
		},
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.jsonc"), []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 16, cfg.Retention.MaxEvents)
	assert.Equal(t, 5*time.Minute, cfg.Retention.MaxAge.Std())
	// untouched fields keep their defaults
	assert.Equal(t, "127.0.0.1", cfg.Server.Hostname)
}

func TestLoad_EnvInterpolation(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RELAY_TEST_HOST", "0.0.0.0")
	content := `{"server": {"hostname": "{env:RELAY_TEST_HOST}"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.json"), []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Hostname)
}

func TestLoad_FileInterpolation(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "hostname.txt")
	require.NoError(t, os.WriteFile(secret, []byte("10.0.0.5\n"), 0600))

	content := `{"server": {"hostname": "{file:` + secret + `}"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.json"), []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Server.Hostname)
}

func TestLoad_EnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	content := `{"server": {"port": 9000}, "log": {"level": "debug"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.json"), []byte(content), 0644))

	t.Setenv("RELAY_PORT", "9100")
	t.Setenv("RELAY_LOG_LEVEL", "warn")
	t.Setenv("RELAY_IDLE_TIMEOUT", "10m")
	t.Setenv("RELAY_RETENTION_MAX_EVENTS", "64")
	t.Setenv("RELAY_RETENTION_BACKEND", "file")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 10*time.Minute, cfg.Session.IdleTimeout.Std())
	assert.Equal(t, 64, cfg.Retention.MaxEvents)
	assert.Equal(t, "file", cfg.Retention.Backend)
}

func TestLoad_ExplicitConfigPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"port": 7777}}`), 0644))
	t.Setenv("RELAY_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
}

func TestLoad_MissingExplicitConfigFails(t *testing.T) {
	t.Setenv("RELAY_CONFIG", filepath.Join(t.TempDir(), "absent.json"))

	_, err := Load("")
	assert.Error(t, err)
}

func TestDuration_Roundtrip(t *testing.T) {
	d := Duration(90 * time.Second)
	data, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	var parsed Duration
	require.NoError(t, parsed.UnmarshalJSON(data))
	assert.Equal(t, d, parsed)
}

func TestDuration_Invalid(t *testing.T) {
	var d Duration
	assert.Error(t, d.UnmarshalJSON([]byte(`"not-a-duration"`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`42`)))
}
