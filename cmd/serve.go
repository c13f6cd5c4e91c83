package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tariff-cli/internal/monitoring"
	"github.com/sells-group/tariff-cli/internal/queue"
	"github.com/sells-group/tariff-cli/internal/server"
)

var (
	servePort    int
	serveWorkers bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the evaluation and admin HTTP server",
	Long:  "Serves evaluation, freshness and admin routes. With --workers the ingest queue is processed continuously in the same process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		srv := server.New(server.Deps{
			Evaluator: env.Evaluator,
			Freshness: env.Collector,
			Watchers:  env.Watchers,
			Queue:     env.Queue,
			Review:    env.Review,
			Process:   env.processQueue,
			Health:    env.Store,
			Metrics:   env.Metrics,
			Gatherer:  env.Registry,
		}, server.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			AdminToken:     cfg.Server.AdminToken,
			StuckAfter:     stuckAfter(),
			Background:     ctx,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		if cfg.Server.AdminToken == "" {
			zap.L().Warn("server.admin_token not set, admin routes disabled")
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(env.Collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		if serveWorkers {
			pool := queue.NewPool(env.Queue, env.Pipeline, queue.PoolOptions{
				Workers: cfg.Queue.Workers,
				Poll:    time.Duration(cfg.Queue.PollSecs) * time.Second,
			})
			g.Go(func() error {
				stats, err := pool.Run(gctx)
				zap.L().Info("queue workers stopped",
					zap.Int64("claimed", stats.Claimed),
					zap.Int64("errors", stats.Errors),
				)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		}

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveWorkers, "workers", false, "process the ingest queue continuously")
	rootCmd.AddCommand(serveCmd)
}
