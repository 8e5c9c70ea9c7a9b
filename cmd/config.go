package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

// envKeyReplacer maps nested keys like server.addr to PRDASH_SERVER_ADDR.
var envKeyReplacer = strings.NewReplacer(".", "_")

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "prdash"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage prdash configuration.

Running bare 'prdash config' is the same as 'prdash config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# prdash configuration
# See: prdash config show (for effective values and sources)

# State directory for the pid file and server log (default: ~/.config/prdash)
# state_dir: {{ .StateDir }}

server:
  # Listen address. The API has no authentication; keep it on loopback.
  addr: "{{ .ServerAddr }}"
  # URL the CLI and MCP server use to reach a running server
  url: "{{ .ServerURL }}"

agent:
  # Coding agent binary, looked up on PATH at startup
  binary: "{{ .AgentBinary }}"
  # Model passed with --model (empty: agent default)
  model: "{{ .AgentModel }}"
  # How long a cancelled agent gets before it is killed
  cancel_grace: {{ .CancelGrace }}

sessions:
  # Finished sessions are forgotten after this long
  retention: {{ .SessionRetention }}

jobs:
  # Completed or failed jobs are forgotten after this long
  retention: {{ .JobRetention }}

sweep:
  # Cron schedule for expiring sessions and jobs
  schedule: "{{ .SweepSchedule }}"

refresh:
  # Delay before re-fetching a PR after its job completes
  delay: {{ .RefreshDelay }}

events:
  keepalive: {{ .KeepAlive }}
  # Per-client queue depth; events beyond it are dropped for that client
  buffer: {{ .Buffer }}

# Optional: summarize completed sessions into their job
anthropic:
  # api_key: ""
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	StateDir         string
	ServerAddr       string
	ServerURL        string
	AgentBinary      string
	AgentModel       string
	CancelGrace      string
	SessionRetention string
	JobRetention     string
	SweepSchedule    string
	RefreshDelay     string
	KeepAlive        string
	Buffer           int
	AnthropicModel   string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:         viper.GetString("state_dir"),
		ServerAddr:       viper.GetString("server.addr"),
		ServerURL:        viper.GetString("server.url"),
		AgentBinary:      viper.GetString("agent.binary"),
		AgentModel:       viper.GetString("agent.model"),
		CancelGrace:      viper.GetDuration("agent.cancel_grace").String(),
		SessionRetention: viper.GetDuration("sessions.retention").String(),
		JobRetention:     viper.GetDuration("jobs.retention").String(),
		SweepSchedule:    viper.GetString("sweep.schedule"),
		RefreshDelay:     viper.GetDuration("refresh.delay").String(),
		KeepAlive:        viper.GetDuration("events.keepalive").String(),
		Buffer:           viper.GetInt("events.buffer"),
		AnthropicModel:   viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	ui.VerboseLog("%s", buf.String())
	return nil
}

// configKeys lists the keys shown by `config show`, in display order.
var configKeys = []string{
	"state_dir",
	"server.addr",
	"server.url",
	"agent.binary",
	"agent.model",
	"agent.args",
	"agent.cancel_grace",
	"sessions.retention",
	"jobs.retention",
	"sweep.schedule",
	"refresh.delay",
	"events.keepalive",
	"events.buffer",
	"github.binary",
	"anthropic.api_key",
	"anthropic.model",
}

// envVarFor returns the environment variable that overrides key.
func envVarFor(key string) string {
	return "PRDASH_" + strings.ToUpper(envKeyReplacer.Replace(key))
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if used := viper.ConfigFileUsed(); used != "" {
		cfgPath = used
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	fileValues := readConfigFileValues(cfgPath)

	for _, key := range configKeys {
		val := viper.Get(key)
		if key == "anthropic.api_key" {
			val = maskSecret(viper.GetString(key))
		}
		source := detectSource(key, envVarFor(key), fileValues)
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", key, val, source)
	}

	return nil
}

func maskSecret(s string) string {
	switch {
	case s == "":
		return `""`
	case len(s) <= 8:
		return "********"
	default:
		return s[:4] + "…" + s[len(s)-4:]
	}
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'prdash config init' first)", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
