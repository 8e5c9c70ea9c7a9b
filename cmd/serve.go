package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"github.com/joescharf/prdash/internal/agent"
	"github.com/joescharf/prdash/internal/api"
	"github.com/joescharf/prdash/internal/correlator"
	"github.com/joescharf/prdash/internal/daemon"
	"github.com/joescharf/prdash/internal/events"
	"github.com/joescharf/prdash/internal/github"
	"github.com/joescharf/prdash/internal/jobs"
	"github.com/joescharf/prdash/internal/llm"
	"github.com/joescharf/prdash/internal/sessions"
	"github.com/joescharf/prdash/internal/supervisor"
)

const stopTimeout = 10 * time.Second

var serveForce bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the prdash server in the foreground",
	Long: `Run the prdash HTTP server in the foreground.

The server dispatches agent sessions, tracks fix jobs, and streams events
to dashboard clients over SSE (/api/v1/events) and WebSocket (/api/v1/ws).
Use 'prdash serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default from server.addr)")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	serveStopCmd.Flags().BoolVar(&serveForce, "force", false, "Kill the server if it does not stop in time")

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(stateDir(), "prdash-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(stateDir(), "prdash-serve.log")
}

// serverConfig is the subset of configuration the server components need.
type serverConfig struct {
	Addr             string
	AgentBinary      string
	AgentArgs        []string
	AgentModel       string
	CancelGrace      time.Duration
	SessionRetention time.Duration
	JobRetention     time.Duration
	SweepSchedule    string
	RefreshDelay     time.Duration
	KeepAlive        time.Duration
	Buffer           int
	GitHubBinary     string
	AnthropicKey     string
	AnthropicModel   string
}

func serverConfigFromViper() serverConfig {
	return serverConfig{
		Addr:             viper.GetString("server.addr"),
		AgentBinary:      viper.GetString("agent.binary"),
		AgentArgs:        viper.GetStringSlice("agent.args"),
		AgentModel:       viper.GetString("agent.model"),
		CancelGrace:      viper.GetDuration("agent.cancel_grace"),
		SessionRetention: viper.GetDuration("sessions.retention"),
		JobRetention:     viper.GetDuration("jobs.retention"),
		SweepSchedule:    viper.GetString("sweep.schedule"),
		RefreshDelay:     viper.GetDuration("refresh.delay"),
		KeepAlive:        viper.GetDuration("events.keepalive"),
		Buffer:           viper.GetInt("events.buffer"),
		GitHubBinary:     viper.GetString("github.binary"),
		AnthropicKey:     viper.GetString("anthropic.api_key"),
		AnthropicModel:   viper.GetString("anthropic.model"),
	}
}

// listenURL is the base URL local clients use to reach a server bound to addr.
func listenURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// prdServer is the wired set of server components.
type prdServer struct {
	cfg        serverConfig
	capability agent.Capability
	hub        *events.Hub
	jobs       *jobs.Registry
	correlator *correlator.Correlator
	supervisor *supervisor.Supervisor
	sessions   *sessions.Manager
	handler    http.Handler
	log        pslog.Logger
}

func newPRDServer(cfg serverConfig, logger pslog.Logger) *prdServer {
	capability := agent.Probe(cfg.AgentBinary)
	if capability.Available {
		logger.Info("agent binary found", "binary", capability.Binary, "path", capability.Path)
	} else {
		logger.Warn("agent binary not found; dispatch disabled", "binary", capability.Binary)
	}

	hub := events.NewHub(logger.With("component", "events"),
		events.WithKeepAlive(cfg.KeepAlive),
		events.WithBuffer(cfg.Buffer))

	gh := github.NewClient(&github.ExecRunner{Binary: cfg.GitHubBinary})
	corr := correlator.New(gh, hub, logger.With("component", "correlator"),
		correlator.WithDelay(cfg.RefreshDelay))

	jobRegistry := jobs.NewRegistry(hub, logger.With("component", "jobs"),
		jobs.WithRetention(cfg.JobRetention),
		jobs.WithRefresher(corr))

	sup := supervisor.New(logger.With("component", "supervisor"),
		supervisor.WithGrace(cfg.CancelGrace))

	opts := []sessions.Option{
		sessions.WithJobs(jobRegistry),
		sessions.WithRefresher(corr),
	}
	if cfg.AnthropicKey != "" {
		opts = append(opts, sessions.WithSummarizer(llm.NewClient(cfg.AnthropicKey, cfg.AnthropicModel)))
	}
	mgr := sessions.NewManager(sessions.Config{
		Capability: capability,
		Invocation: agent.Invocation{Model: cfg.AgentModel, ExtraArgs: cfg.AgentArgs},
		Retention:  cfg.SessionRetention,
		ServerURL:  listenURL(cfg.Addr),
	}, sup, hub, logger.With("component", "sessions"), opts...)

	apiServer := api.NewServer(api.Deps{
		Sessions:   mgr,
		Jobs:       jobRegistry,
		Hub:        hub,
		PRs:        gh,
		Capability: capability,
		Logger:     logger.With("component", "api"),
	})

	return &prdServer{
		cfg:        cfg,
		capability: capability,
		hub:        hub,
		jobs:       jobRegistry,
		correlator: corr,
		supervisor: sup,
		sessions:   mgr,
		handler:    apiServer.Router(),
		log:        logger,
	}
}

// sweep expires finished sessions and jobs older than their retention.
func (s *prdServer) sweep() {
	now := time.Now()
	sess := s.sessions.Sweep(now)
	job := s.jobs.Sweep(now)
	if sess > 0 || job > 0 {
		s.log.Debug("retention sweep", "sessions", sess, "jobs", job)
	}
}

// startSweeper schedules sweep on the configured cron spec.
func (s *prdServer) startSweeper() (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.SweepSchedule, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep.schedule %q: %w", s.cfg.SweepSchedule, err)
	}
	c.Start()
	return c, nil
}

// shutdown stops agents and background work. Safe to call once after the
// HTTP server has returned.
func (s *prdServer) shutdown(ctx context.Context) {
	if err := s.supervisor.Shutdown(ctx); err != nil {
		s.log.Warn("agent shutdown incomplete", "err", err)
	}
	s.sessions.Close()
	s.correlator.Stop()
	s.hub.Close()
}

func (s *prdServer) run(ctx context.Context) error {
	sweeper, err := s.startSweeper()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.ListenAndServe(gctx, s.cfg.Addr, s.handler)
	})
	g.Go(func() error {
		<-gctx.Done()
		<-sweeper.Stop().Done()
		return nil
	})
	err = g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	s.shutdown(stopCtx)
	return err
}

func serveRun(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()
	logger := pslog.Ctx(ctx)

	cfg := serverConfigFromViper()
	pf := pidFile()
	if err := pf.Acquire(cfg.Addr); err != nil {
		return err
	}
	defer func() {
		if err := pf.Release(); err != nil {
			logger.Warn("remove pid file", "err", err)
		}
	}()

	srv := newPRDServer(cfg, logger)
	if err := srv.run(ctx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if err := os.MkdirAll(stateDir(), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	args := []string{"serve"}
	if cfgFile := viper.ConfigFileUsed(); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = os.Environ()
	detachServer(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	_ = child.Process.Release()

	ui.Success("Server starting (pid %d), logging to %s", child.Process.Pid, serveLogPath())
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		if pid != 0 {
			_ = pf.Remove()
		}
		return errors.New("server is not running")
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal server (pid %d): %w", pid, err)
	}
	if waitForExit(pf, stopTimeout) {
		ui.Success("Server stopped (pid %d)", pid)
		return nil
	}
	if !serveForce {
		return fmt.Errorf("server (pid %d) did not stop within %s (use --force to kill)", pid, stopTimeout)
	}
	if err := pf.Signal(sigKILL()); err != nil {
		return fmt.Errorf("kill server (pid %d): %w", pid, err)
	}
	_ = pf.Remove()
	ui.Warning("Server killed (pid %d)", pid)
	return nil
}

func waitForExit(pf *daemon.PIDFile, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, running := pf.IsRunning(); !running {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func serveStatusRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		ui.Info("Server is not running")
		return nil
	}
	st, err := pf.Read()
	if err != nil {
		return err
	}
	ui.Success("Server running (pid %d) at %s since %s", pid, st.URL(), st.StartedAt.Local().Format(time.RFC822))
	return nil
}
