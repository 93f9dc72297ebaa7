package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httpapi "taskblitz.com/taskblitz/internal/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  "Starts the marketplace HTTP API and the expiry and auto-approval sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sweeper := a.newSweeper()
		sweeper.Start()

		e := echo.New()
		e.HideBanner = true
		handler := httpapi.NewHandler(a.lifecycle, a.review, a.logger)
		httpapi.Register(e, handler, a.cfg.RateLimit, a.registry)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			a.logger.Info("HTTP server listening", zap.String("addr", a.cfg.AppURL))
			if err := e.Start(a.cfg.AppURL); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.ShutdownTimeoutSeconds)*time.Second)
			defer cancel()

			err := e.Shutdown(shutdownCtx)
			sweeper.Shutdown(shutdownCtx)
			return err
		})

		if err := g.Wait(); err != nil {
			return err
		}

		a.logger.Info("HTTP server and sweeper shut down gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
