// ABOUTME: The serve subcommand: loads config, builds the logger tee, and runs the server.
// ABOUTME: Prints a startup banner and the effective addresses before handing off.

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/perimeterlab/fleetgate/internal/config"
	"github.com/perimeterlab/fleetgate/internal/server"
	"github.com/perimeterlab/fleetgate/internal/store"
	"github.com/perimeterlab/fleetgate/internal/telemetry"
)

const banner = `
  __ _           _              _
 / _| | ___  ___| |_ __ _  __ _| |_ ___
| |_| |/ _ \/ _ \ __/ _' |/ _' | __/ _ \
|  _| |  __/  __/ || (_| | (_| | ||  __/
|_| |_|\___|\___|\__\__, |\__,_|\__\___|
                    |___/
`

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the control-plane server",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()

			cyan := color.New(color.FgCyan)
			gray := color.New(color.FgHiBlack)
			green := color.New(color.FgGreen)

			cyan.Print(banner)
			gray.Printf("    version: %s\n\n", version)

			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			green.Print("    ▶ ")
			fmt.Printf("Config:    %s\n", path)
			green.Print("    ▶ ")
			fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
			green.Print("    ▶ ")
			fmt.Printf("Discovery: %s ports %s every %s\n",
				cfg.Discovery.Hosts, cfg.Discovery.PortRange, cfg.Discovery.Interval)
			if cfg.Telemetry.ArchivePath != "" {
				green.Print("    ▶ ")
				fmt.Printf("Archive:   %s\n", cfg.Telemetry.ArchivePath)
			}
			fmt.Println()

			baseLogger := newLogger(cfg.Logging, nil)

			// The telemetry store is built here so the logger can tee into
			// its log history before the server wires everything else.
			var archive *store.Archive
			var archiver telemetry.Archiver
			if cfg.Telemetry.ArchivePath != "" {
				archive, err = store.Open(cfg.Telemetry.ArchivePath, baseLogger.With("component", "archive"))
				if err != nil {
					return fmt.Errorf("opening archive: %w", err)
				}
				defer archive.Close()
				archiver = archive

				if cfg.Telemetry.ArchiveRetention > 0 {
					if err := archive.Prune(cfg.Telemetry.ArchiveRetention); err != nil {
						return fmt.Errorf("pruning archive: %w", err)
					}
				}
			}
			tel := telemetry.New(
				cfg.Telemetry.TaskHistorySize,
				cfg.Telemetry.ErrorHistorySize,
				cfg.Telemetry.LogHistorySize,
				archiver,
				baseLogger.With("component", "telemetry"),
			)
			logger := newLogger(cfg.Logging, tel)

			logger.Info("starting fleetgate",
				"config", path,
				"http_addr", cfg.Server.HTTPAddr,
			)

			srv, err := server.New(cfg, tel, logger)
			if err != nil {
				return fmt.Errorf("creating server: %w", err)
			}
			return srv.Run(cmd.Context())
		},
	}
}
