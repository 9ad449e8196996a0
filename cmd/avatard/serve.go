package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/nim-avatar/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the gRPC health endpoint and the job queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn("close resources", zap.Error(err))
		}
	}()

	if err := a.queue.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer a.queue.Stop()

	api := server.New(server.Deps{
		Store:        a.avatars,
		Pipeline:     a.pipeline,
		Chat:         a.chat,
		Search:       a.retriever,
		Presence:     a.presence,
		Capabilities: a.caps,
	}, server.WithLogger(logger))

	health := server.NewGRPC(logger, "scheduler", "http")
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Run(gctx, cfg.Server.HTTPAddr)
	})
	g.Go(func() error {
		return health.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		health.Stop()
		return nil
	})
	health.SetServing(true)

	logger.Info("avatard started",
		zap.String("http", cfg.Server.HTTPAddr),
		zap.String("grpc", cfg.Server.GRPCAddr),
		zap.String("llm", cfg.LLM.Provider),
		zap.String("embedding", cfg.Embedding.Provider),
		zap.String("vector", cfg.Vector.Backend),
	)

	err = g.Wait()
	logger.Info("avatard stopped")
	return err
}
