package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/receiptscout/internal/mcp"
	"github.com/dshills/receiptscout/internal/storage"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Long: `Run the MCP tool server on stdin/stdout.

Stdout is reserved for the protocol. Set log.file to keep logs out of the
client's stderr capture.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := newInstance()
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.logger.Info("receiptscout MCP server starting",
		zap.String("version", version),
		zap.String("build_mode", storage.BuildMode),
		zap.Any("backends", rt.cfg.EnabledBackends()))

	ctx, stop := signalContext()
	defer stop()

	server := mcp.NewServer(rt.app.Service, rt.app, rt.logger.Named("mcp"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.app.Run(ctx)
	})
	g.Go(func() error {
		defer stop()
		if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	err = g.Wait()
	rt.logger.Info("server stopped")
	return err
}
