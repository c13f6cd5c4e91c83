package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/config"
)

var (
	cfg *config.Config

	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "tariff-cli",
	Short: "Tariff rule engine and regulatory update pipeline",
	Long: "Evaluates the additional duties that apply to an import, and keeps the rule data current " +
		"by watching official sources, extracting rate changes and committing them with verbatim evidence.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		if err := config.InitLogger(c.Log); err != nil {
			return err
		}
		cfg = c
		zap.L().Debug("config loaded", zap.String("command", cmd.CommandPath()), zap.String("store", cfg.Store.Driver))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./tariff.yaml, then ~/.config/tariff/tariff.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		zap.L().Error("command failed", zap.String("error", eris.ToString(err, false)))
		os.Exit(1)
	}
}
