package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/abduss/blobgate/internal/gateway"
	"github.com/abduss/blobgate/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return a.withCore(ctx, func(core *gateway.Core) error {
				if a.cfg.GC.Enabled {
					stopGC := core.Collector.Start(ctx, a.cfg.GC.Interval)
					defer stopGC()
				} else {
					a.log.Warn("collector disabled, unreferenced blobs will accumulate")
				}

				router := server.NewRouter(server.Dependencies{
					Config: a.cfg,
					Core:   core,
					Logger: a.log,
				})
				httpServer := &http.Server{
					Addr:         a.cfg.Server.Address(),
					Handler:      router,
					ReadTimeout:  a.cfg.Server.ReadTimeout,
					WriteTimeout: a.cfg.Server.WriteTimeout,
					IdleTimeout:  a.cfg.Server.IdleTimeout,
				}

				errCh := make(chan error, 1)
				go func() {
					a.log.Info("blobgate listening", zap.String("address", a.cfg.Server.Address()))
					if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						errCh <- err
					}
					close(errCh)
				}()

				select {
				case err, ok := <-errCh:
					if ok {
						return err
					}
				case <-ctx.Done():
				}
				stop()

				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					a.log.Error("graceful shutdown", zap.Error(err))
					return err
				}
				a.log.Info("server stopped")
				return nil
			})
		},
	}
}
