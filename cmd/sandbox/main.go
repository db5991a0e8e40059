// Sandbox — simulated brokerage with exact margin and P&L bookkeeping.
//
// Main CLI entrypoint using cobra command framework.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seenimoa/sandbox/api"
	"github.com/seenimoa/sandbox/internal/config"
	"github.com/seenimoa/sandbox/internal/sandbox"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Global config
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Sandbox — simulated brokerage engine",
	Long: `Sandbox is a simulated brokerage: orders, margin blocking, position
netting, MIS auto-square-off, T+1 CNC settlement and a money-conserving
funds ledger, served over a REST API with a WebSocket event stream.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config/sandbox.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(resetCmd)
}

// --- Version Command ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sandbox %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

// --- Serve Command (API Server) ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox engine and HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		app, err := sandbox.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Stop()

		if err := app.Start(ctx); err != nil {
			return err
		}

		srv := api.NewServer(app)
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		app.Log.Infow("API server listening", "addr", addr)
		return srv.ListenAndServe(addr)
	},
}

// --- Reset Command ---

var resetCmd = &cobra.Command{
	Use:   "reset [user]",
	Short: "Reset funds and wipe trading state",
	Long: `Reset restores funds to total capital and deletes all orders, trades,
positions and holdings. With a user argument only that account is
reset; without one every account is reset. Runtime config is kept.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		app, err := sandbox.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Stop()

		if len(args) == 1 {
			if err := app.Resetter.ResetUser(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("reset user %s\n", args[0])
			return nil
		}

		n, err := app.Resetter.ResetAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("reset %d user(s)\n", n)
		return nil
	},
}
