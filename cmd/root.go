package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/prdash/internal/client"
	"github.com/joescharf/prdash/internal/output"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui *output.UI

	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "prdash",
	Short: "PR dashboard backend - dispatch coding agents against pull requests",
	Long: `prdash runs a local server that launches coding-agent sessions against
pull requests, streams their output to dashboard clients, and tracks the
fix jobs agents report back.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(ctx context.Context, version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print raw JSON instead of tables")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/prdash/config.yaml)")
	rootCmd.PersistentFlags().String("server", "", "prdash server URL (default from server.url)")
	_ = viper.BindPFlag("server.url", rootCmd.PersistentFlags().Lookup("server"))
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		configDir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PRDASH")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	setDefaults()

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default value.
func setDefaults() {
	defaultStateDir, _ := configDirFunc()

	viper.SetDefault("state_dir", defaultStateDir)
	viper.SetDefault("server.addr", "127.0.0.1:7777")
	viper.SetDefault("server.url", client.DefaultURL)
	viper.SetDefault("agent.binary", "claude")
	viper.SetDefault("agent.args", []string{})
	viper.SetDefault("agent.model", "")
	viper.SetDefault("agent.cancel_grace", "5s")
	viper.SetDefault("sessions.retention", "30m")
	viper.SetDefault("jobs.retention", "10m")
	viper.SetDefault("sweep.schedule", "@every 1m")
	viper.SetDefault("refresh.delay", "5s")
	viper.SetDefault("events.keepalive", "30s")
	viper.SetDefault("events.buffer", 256)
	viper.SetDefault("github.binary", "gh")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.JSON = jsonOut
}

// apiClient returns a client for the configured prdash server.
func apiClient() *client.Client {
	return client.New(viper.GetString("server.url"))
}

func stateDir() string {
	dir := viper.GetString("state_dir")
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "prdash")
	}
	return dir
}
