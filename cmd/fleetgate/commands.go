// ABOUTME: CLI subcommands: init, token, hash-key, health, agents, history, version.
// ABOUTME: The inspection commands talk to a running server over its HTTP API.

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/perimeterlab/fleetgate/internal/auth"
	"github.com/perimeterlab/fleetgate/internal/config"
	"github.com/perimeterlab/fleetgate/internal/store"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fleetgate version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleetgate %s\n", version)
		},
	}
}

func newTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate an API bearer token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("jwt_secret not configured in %s", configPath())
			}

			token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(subject, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}

			// Keep a copy next to the config so the inspection commands
			// can pick it up.
			tokenPath := filepath.Join(filepath.Dir(configPath()), "token")
			if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
				return fmt.Errorf("writing token file: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			color.New(color.FgHiBlack).Fprintf(cmd.OutOrStdout(), "saved to %s (expires %s)\n",
				tokenPath, time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <key>",
		Short: "Hash a static API key for the api_key_hash config field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashKey(args[0])
			if err != nil {
				return fmt.Errorf("hashing key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether the server is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agents the server currently knows about",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			token, err := loadToken()
			if err != nil {
				return err
			}

			url := fmt.Sprintf("http://%s/api/agents", cfg.Server.HTTPAddr)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			req.Header.Set("Authorization", "Bearer "+token)

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("listing agents failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("listing agents failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int
	var showErrors bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived tasks (or errors) from the on-disk archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Telemetry.ArchivePath == "" {
				return fmt.Errorf("telemetry.archive_path is not configured")
			}

			archive, err := store.Open(cfg.Telemetry.ArchivePath, slog.New(slog.DiscardHandler))
			if err != nil {
				return fmt.Errorf("opening archive: %w", err)
			}
			defer archive.Close()

			out := cmd.OutOrStdout()
			dim := color.New(color.FgHiBlack)

			if showErrors {
				recs, err := archive.ListErrors(limit)
				if err != nil {
					return err
				}
				for _, rec := range recs {
					dim.Fprintf(out, "%s  ", rec.Timestamp.Local().Format("2006-01-02 15:04:05"))
					fmt.Fprintf(out, "[%s] %s", rec.Component, rec.Message)
					if rec.AgentID != "" {
						dim.Fprintf(out, "  agent=%s", rec.AgentID)
					}
					fmt.Fprintln(out)
				}
				return nil
			}

			recs, err := archive.ListTasks(limit)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				dim.Fprintf(out, "%s  ", rec.StartTime.Local().Format("2006-01-02 15:04:05"))
				fmt.Fprintf(out, "%-9s %s  %s", rec.Status, rec.AgentName, rec.Description)
				if rec.ErrorMessage != "" {
					dim.Fprintf(out, "  (%s)", rec.ErrorMessage)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to show")
	cmd.Flags().BoolVar(&showErrors, "errors", false, "show archived errors instead of tasks")
	return cmd
}

// loadToken finds a bearer token for the API commands.
// Priority: FLEETGATE_TOKEN env > token file next to the config.
func loadToken() (string, error) {
	if tok := os.Getenv("FLEETGATE_TOKEN"); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(filepath.Dir(configPath()), "token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return "", fmt.Errorf("no token: set FLEETGATE_TOKEN or run 'fleetgate token' first (%w)", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("fleetgate configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	defaultConfigPath := configPath()
	defaultArchivePath := filepath.Join(dataPath(), "archive.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8400")

	fmt.Println("\n--- Discovery Configuration ---")
	hosts := prompt(reader, "Agent hosts (comma separated)", "localhost")
	portRange := prompt(reader, "Agent port range", "8001-8007")
	interval := prompt(reader, "Discovery interval", "5m")

	fmt.Println("\n--- Telemetry Configuration ---")
	archivePath := prompt(reader, "Archive database path (empty to disable)", defaultArchivePath)

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate a random JWT secret; operators can rotate it later.
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	var cfg strings.Builder
	cfg.WriteString("# fleetgate configuration\n")
	cfg.WriteString("# Generated by fleetgate init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", jwtSecret))
	cfg.WriteString("\n")

	cfg.WriteString("discovery:\n")
	cfg.WriteString("  hosts:\n")
	for _, h := range strings.Split(hosts, ",") {
		cfg.WriteString(fmt.Sprintf("    - %q\n", strings.TrimSpace(h)))
	}
	cfg.WriteString(fmt.Sprintf("  port_range: %q\n", portRange))
	cfg.WriteString(fmt.Sprintf("  interval: %q\n", interval))
	cfg.WriteString("  probe_timeout: \"10s\"\n")
	cfg.WriteString("  evict_after_misses: 3\n")
	cfg.WriteString("  max_concurrent_probes: 8\n")
	cfg.WriteString("\n")

	cfg.WriteString("health:\n")
	cfg.WriteString("  interval: \"30s\"\n")
	cfg.WriteString("  ping_timeout: \"5s\"\n")
	cfg.WriteString("  max_task_duration: \"500s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("dispatch:\n")
	cfg.WriteString("  request_timeout: \"30s\"\n")
	cfg.WriteString("  poll_interval: \"2s\"\n")
	cfg.WriteString("  error_detail_limit: 500\n")
	cfg.WriteString("\n")

	cfg.WriteString("telemetry:\n")
	cfg.WriteString("  task_history_size: 100\n")
	cfg.WriteString("  error_history_size: 50\n")
	cfg.WriteString("  log_history_size: 1000\n")
	if archivePath != "" {
		cfg.WriteString(fmt.Sprintf("  archive_path: %q\n", archivePath))
		cfg.WriteString("  archive_retention: \"720h\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if archivePath != "" {
		if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  fleetgate serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
