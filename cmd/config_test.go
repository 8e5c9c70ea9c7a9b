package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/prdash/internal/output"
)

// testEnv sets up isolated config dir, viper, and output for testing.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	// Override configDirFunc for tests
	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	viper.Reset()
	setDefaults()

	ui = &output.UI{Out: &bytes.Buffer{}, ErrOut: &bytes.Buffer{}}

	return dir
}

func uiOutput() string {
	return ui.Out.(*bytes.Buffer).String()
}

func TestDefaults(t *testing.T) {
	dir := testEnv(t)

	assert.Equal(t, dir, viper.GetString("state_dir"))
	assert.Equal(t, "127.0.0.1:7777", viper.GetString("server.addr"))
	assert.Equal(t, "http://127.0.0.1:7777", viper.GetString("server.url"))
	assert.Equal(t, "claude", viper.GetString("agent.binary"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("agent.cancel_grace"))
	assert.Equal(t, 30*time.Minute, viper.GetDuration("sessions.retention"))
	assert.Equal(t, 10*time.Minute, viper.GetDuration("jobs.retention"))
	assert.Equal(t, "@every 1m", viper.GetString("sweep.schedule"))
	assert.Equal(t, 256, viper.GetInt("events.buffer"))
}

func TestConfigInit_CreatesFile(t *testing.T) {
	dir := testEnv(t)

	err := configInitRun()
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "prdash configuration")
	assert.Contains(t, string(data), `addr: "127.0.0.1:7777"`)
	assert.Contains(t, string(data), "cancel_grace: 5s")
	assert.Contains(t, uiOutput(), "Config file created")
}

func TestConfigInit_RoundTripsThroughViper(t *testing.T) {
	dir := testEnv(t)
	require.NoError(t, configInitRun())

	viper.Reset()
	viper.SetConfigFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, viper.ReadInConfig())

	assert.Equal(t, "127.0.0.1:7777", viper.GetString("server.addr"))
	assert.Equal(t, 30*time.Minute, viper.GetDuration("sessions.retention"))
	assert.Equal(t, 256, viper.GetInt("events.buffer"))
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0o644))

	configForce = false
	err := configInitRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigInit_ForceOverwrite(t *testing.T) {
	dir := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0o644))

	configForce = true
	t.Cleanup(func() { configForce = false })
	require.NoError(t, configInitRun())

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "prdash configuration")
}

func TestConfigShow_NoFile(t *testing.T) {
	testEnv(t)

	require.NoError(t, configShowRun())
	out := uiOutput()
	assert.Contains(t, out, "(none)")
	assert.Contains(t, out, "server.addr")
	assert.Contains(t, out, "(default)")
}

func TestConfigShow_SourcesAndMasking(t *testing.T) {
	dir := testEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("agent:\n  binary: my-agent\n"), 0o644))
	t.Setenv("PRDASH_ANTHROPIC_API_KEY", "sk-ant-0123456789abcdef")
	viper.Set("anthropic.api_key", "sk-ant-0123456789abcdef")

	require.NoError(t, configShowRun())
	out := uiOutput()
	assert.Contains(t, out, "(file)")
	assert.Contains(t, out, "(env: PRDASH_ANTHROPIC_API_KEY)")
	assert.NotContains(t, out, "0123456789abcdef", "api key must be masked")
}

func TestConfigEdit_NoEditor(t *testing.T) {
	testEnv(t)
	t.Setenv("EDITOR", "")
	t.Setenv("VISUAL", "")

	err := configEditRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$EDITOR is not set")
}

func TestConfigEdit_NoConfigFile(t *testing.T) {
	testEnv(t)
	t.Setenv("EDITOR", "echo") // harmless command

	err := configEditRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDetectSource(t *testing.T) {
	fileValues := map[string]bool{"key_a": true}

	t.Setenv("PRDASH_TEST_KEY", "val")
	assert.Contains(t, detectSource("test_key", "PRDASH_TEST_KEY", fileValues), "env")
	assert.Contains(t, detectSource("key_a", "PRDASH_KEY_A_NONEXISTENT", fileValues), "file")
	assert.Contains(t, detectSource("key_b", "PRDASH_KEY_B_NONEXISTENT", fileValues), "default")
}

func TestEnvVarFor(t *testing.T) {
	assert.Equal(t, "PRDASH_SERVER_ADDR", envVarFor("server.addr"))
	assert.Equal(t, "PRDASH_STATE_DIR", envVarFor("state_dir"))
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, `""`, maskSecret(""))
	assert.Equal(t, "********", maskSecret("short"))
	assert.Equal(t, "sk-a…cdef", maskSecret("sk-ant-0123456789abcdef"))
}

func TestFlattenKeys(t *testing.T) {
	input := map[string]any{
		"top": "val",
		"nested": map[string]any{
			"a": "1",
			"b": "2",
		},
	}

	result := make(map[string]bool)
	flattenKeys("", input, result)

	assert.True(t, result["top"])
	assert.True(t, result["nested.a"])
	assert.True(t, result["nested.b"])
	assert.False(t, result["nested"])
}
