package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/awslabs/automated-security-helper-sub041/internal/api"
	"github.com/awslabs/automated-security-helper-sub041/internal/engine"
	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
)

func (c *cli) serveCommand() *cobra.Command {
	var (
		configPath string
		target     string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve scan progress, findings and trends over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, _, err := resolveRunConfig(configPath, target)
			if err != nil {
				return err
			}
			if err := c.applyExecution(rc, &scanOptions{}); err != nil {
				return err
			}
			if addr != "" {
				c.cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			listener := func(name string, state engine.JobState, p engine.Progress) {
				c.logger.Debug("Scanner transition", "scanner", name, "state", string(state), "finished", p.Finished(), "total", p.Total)
			}
			svc, cleanup, err := c.newService(ctx, rc, listener)
			if err != nil {
				return err
			}
			defer cleanup()

			router := api.NewRouter(c.cfg, api.Dependencies{
				Service:   svc,
				RunConfig: rc,
				Logger:    c.logger,
				Metrics:   c.metrics,
				Tracer:    c.tracer,
			})
			server := &http.Server{
				Addr:         c.cfg.Server.Addr,
				Handler:      router,
				ReadTimeout:  c.cfg.Server.ReadTimeout,
				WriteTimeout: c.cfg.Server.WriteTimeout,
			}

			serveErr := make(chan error, 1)
			go func() {
				c.logger.Info("Starting API server", "addr", server.Addr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				if err != nil {
					return errors.NewInternalError("API server failed").WithCause(err)
				}
				return nil
			case <-ctx.Done():
			}

			c.logger.Info("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return errors.NewInternalError("server forced to shutdown").WithCause(err)
			}
			c.logger.Info("Server exited")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "run config used for scans started over HTTP")
	cmd.Flags().StringVarP(&target, "target", "t", ".", "directory whose run config is used when --config is not set")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address; overrides ASH_API_ADDR")
	return cmd
}
