// ABOUTME: The init subcommand: writes a new config file with a random JWT secret
// ABOUTME: Prompts for each setting, or takes defaults with --yes

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// initAnswers collects the values written by init.
type initAnswers struct {
	GRPCAddr  string
	HTTPAddr  string
	Backend   string
	DBPath    string
	JWTSecret string

	TailscaleEnabled bool
	TSHostname       string
	TSAuthKey        string
	TSEphemeral      bool
	TSFunnel         bool

	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
}

func defaultInitAnswers() initAnswers {
	return initAnswers{
		GRPCAddr:  "localhost:50051",
		HTTPAddr:  "localhost:8080",
		Backend:   "sqlite",
		DBPath:    filepath.Join(getDataPath(), "dm.db"),
		LogLevel:  "info",
		LogFormat: "text",
	}
}

func newInitCmd(opts *globalOptions) *cobra.Command {
	var (
		yes   bool
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), opts.configPath, yes, force)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "accept all defaults without prompting")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func runInit(in io.Reader, out io.Writer, configPath string, yes, force bool) error {
	answers := defaultInitAnswers()

	secret, err := generateSecret()
	if err != nil {
		return err
	}
	answers.JWTSecret = secret

	if !yes {
		reader := bufio.NewReader(in)
		p := func(question, def string) string { return prompt(reader, out, question, def) }

		fmt.Fprintln(out, "coven-dm configuration setup")
		fmt.Fprintln(out, "============================")
		fmt.Fprintln(out)

		configPath = p("Config file path", configPath)
		if _, err := os.Stat(configPath); err == nil && !force {
			if !isYes(p("File exists. Overwrite?", "no")) {
				fmt.Fprintln(out, "Aborted.")
				return nil
			}
			force = true
		}

		fmt.Fprintln(out, "\n--- Server Configuration ---")
		answers.GRPCAddr = p("gRPC address", answers.GRPCAddr)
		answers.HTTPAddr = p("HTTP address", answers.HTTPAddr)

		fmt.Fprintln(out, "\n--- Storage Configuration ---")
		answers.Backend = p("Storage backend (sqlite/badger/memory)", answers.Backend)
		if answers.Backend == "badger" {
			answers.DBPath = filepath.Join(getDataPath(), "dm-badger")
		}
		if answers.Backend != "memory" {
			answers.DBPath = p("Storage path", answers.DBPath)
		}

		fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
		answers.TailscaleEnabled = isYes(p("Enable Tailscale?", "no"))
		if answers.TailscaleEnabled {
			answers.TSHostname = p("Tailscale hostname", "coven-dm")
			answers.TSAuthKey = p("Tailscale auth key (leave empty for interactive)", "")
			answers.TSEphemeral = isYes(p("Ephemeral node?", "no"))
			answers.TSFunnel = isYes(p("Enable Funnel (public HTTPS)?", "no"))
		}

		fmt.Fprintln(out, "\n--- Logging Configuration ---")
		answers.LogLevel = p("Log level (debug/info/warn/error)", answers.LogLevel)
		answers.LogFormat = p("Log format (text/json)", answers.LogFormat)
		answers.MetricsEnabled = isYes(p("Expose Prometheus metrics?", "no"))
	}

	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(renderConfig(answers)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if answers.Backend != "memory" {
		if err := os.MkdirAll(filepath.Dir(answers.DBPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", configPath)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  coven-dm serve")
	return nil
}

// generateSecret returns 32 random bytes, base64 encoded.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-dm configuration\n")
	cfg.WriteString("# Generated by coven-dm init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n", a.GRPCAddr)
	fmt.Fprintf(&cfg, "  http_addr: %q\n", a.HTTPAddr)
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  backend: %q\n", a.Backend)
	if a.Backend != "memory" {
		fmt.Fprintf(&cfg, "  path: %q\n", a.DBPath)
	}
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n", a.JWTSecret)
	cfg.WriteString("  token_ttl: \"720h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.TailscaleEnabled)
	if a.TailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", a.TSHostname)
		if a.TSAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", a.TSAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", a.TSEphemeral)
		fmt.Fprintf(&cfg, "  funnel: %t\n", a.TSFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("delivery:\n")
	cfg.WriteString("  push_timeout: \"5s\"\n")
	cfg.WriteString("  max_body_length: 4096\n")
	cfg.WriteString("  retry_window: \"2m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString("  send_queue: 64\n")
	cfg.WriteString("  write_timeout: \"10s\"\n")
	cfg.WriteString("  ping_interval: \"30s\"\n")
	cfg.WriteString("  submit_rate: 10\n")
	cfg.WriteString("  submit_burst: 20\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", a.LogFormat)
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.MetricsEnabled)
	cfg.WriteString("  path: \"/metrics\"\n")

	return cfg.String()
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// EOF: take the default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}
