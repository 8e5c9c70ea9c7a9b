package cmd

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkt.systems/pslog"

	"github.com/joescharf/prdash/internal/daemon"
)

func testLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true, MinLevel: pslog.ErrorLevel})
}

func TestPidFile_Path(t *testing.T) {
	dir := testEnv(t)

	assert.Equal(t, filepath.Join(dir, "prdash-serve.pid"), pidFile().Path)
	assert.Equal(t, filepath.Join(dir, "prdash-serve.log"), serveLogPath())
}

func TestServeStatusRun_NotRunning(t *testing.T) {
	testEnv(t)

	require.NoError(t, serveStatusRun())
	assert.Contains(t, uiOutput(), "not running")
}

func TestServeStatusRun_Running(t *testing.T) {
	testEnv(t)
	require.NoError(t, pidFile().Acquire("127.0.0.1:7777"))

	require.NoError(t, serveStatusRun())
	assert.Contains(t, uiOutput(), "http://127.0.0.1:7777")
}

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestServeStopRun_RemovesStalePIDFile(t *testing.T) {
	testEnv(t)
	pf := pidFile()
	require.NoError(t, pf.Write(daemon.State{PID: 999999}))

	require.Error(t, serveStopRun())
	_, err := os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestServeStartRun_AlreadyRunning(t *testing.T) {
	testEnv(t)
	require.NoError(t, pidFile().Acquire(":7777"))

	err := serveStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestServerConfigFromViper(t *testing.T) {
	testEnv(t)
	viper.Set("agent.args", []string{"--allowedTools", "Read"})
	viper.Set("refresh.delay", "2s")

	cfg := serverConfigFromViper()
	assert.Equal(t, "127.0.0.1:7777", cfg.Addr)
	assert.Equal(t, []string{"--allowedTools", "Read"}, cfg.AgentArgs)
	assert.Equal(t, 2*time.Second, cfg.RefreshDelay)
	assert.Equal(t, 5*time.Second, cfg.CancelGrace)
	assert.Equal(t, "gh", cfg.GitHubBinary)
}

func newTestPRDServer(t *testing.T) *prdServer {
	t.Helper()
	testEnv(t)
	cfg := serverConfigFromViper()
	cfg.AgentBinary = "prdash-test-agent-that-does-not-exist"
	srv := newPRDServer(cfg, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.shutdown(ctx)
	})
	return srv
}

func TestNewPRDServer_HealthReportsMissingAgent(t *testing.T) {
	srv := newTestPRDServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["agent_available"])
}

func TestNewPRDServer_DispatchUnavailable(t *testing.T) {
	srv := newTestPRDServer(t)

	body := `{"cwd":"` + t.TempDir() + `","prompt":"fix the build"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListenURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7777", listenURL("127.0.0.1:7777"))
	assert.Equal(t, "http://127.0.0.1:7777", listenURL(":7777"))
	assert.Equal(t, "http://127.0.0.1:8080", listenURL("0.0.0.0:8080"))
	assert.Equal(t, "http://[::1]:7777", listenURL("[::1]:7777"))
}

func TestStartSweeper_InvalidSchedule(t *testing.T) {
	srv := newTestPRDServer(t)
	srv.cfg.SweepSchedule = "every now and then"

	_, err := srv.startSweeper()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweep.schedule")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	srv := newTestPRDServer(t)
	srv.cfg.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
