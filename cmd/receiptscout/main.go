package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata" // parser.timezone must resolve on hosts without zoneinfo

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/receiptscout/internal/app"
	"github.com/dshills/receiptscout/internal/config"
	"github.com/dshills/receiptscout/internal/logging"
	"github.com/dshills/receiptscout/internal/storage"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "receiptscout",
		Short:         "Locate payment receipts across mailboxes and deliver the best matches",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetVersionTemplate(versionText())
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default ./receiptscout.yaml or ~/.receiptscout/receiptscout.yaml; env "+config.EnvConfigPath+")")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func versionText() string {
	return fmt.Sprintf("receiptscout\nVersion: %s\nBuild Time: %s\nBuild Mode: %s\nSQLite Driver: %s\n",
		version, buildTime, storage.BuildMode, storage.DriverName)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// instance holds what every pipeline command needs
type instance struct {
	cfg     *config.Config
	logger  *zap.Logger
	app     *app.App
	cleanup func()
}

func (r *instance) Close() {
	if r.app != nil {
		if err := r.app.Close(); err != nil {
			r.logger.Warn("failed to close app", zap.Error(err))
		}
	}
	r.cleanup()
}

func loadConfigAndLogger() (*config.Config, *zap.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, cleanup, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, cleanup, nil
}

func newInstance() (*instance, error) {
	cfg, logger, cleanup, err := loadConfigAndLogger()
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg, logger, app.Options{})
	if err != nil {
		cleanup()
		return nil, err
	}
	return &instance{cfg: cfg, logger: logger, app: a, cleanup: cleanup}, nil
}
