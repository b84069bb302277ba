// Command termd runs one fixed-term lending market.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Aidin1998/fixedterm/internal/trading/config"
	"github.com/Aidin1998/fixedterm/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

// CLI holds what every subcommand needs once the root has loaded it.
type CLI struct {
	root   *cobra.Command
	files  []string
	cfg    *config.Config
	logger *zap.Logger
}

func NewCLI() *CLI {
	cli := &CLI{}
	cli.root = &cobra.Command{
		Use:           "termd",
		Short:         "Fixed-term lending market engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(cli.files...)
			if err != nil {
				return err
			}
			l, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			cli.cfg = cfg
			cli.logger = logger.ForMarket(l, cfg.Market.ID)
			cli.logger.Info("Configuration loaded",
				zap.Strings("sources", cfg.Sources),
				zap.String("env", cfg.Env))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if cli.logger != nil {
				_ = cli.logger.Sync()
			}
		},
	}
	cli.root.PersistentFlags().StringSliceVarP(&cli.files, "config", "c", nil,
		"config files merged in order (default: fixedterm.yaml in ., ./configs, /etc/fixedterm)")

	cli.root.AddCommand(cli.serveCommand(), cli.replayCommand(), &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return cli
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewCLI().root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}
