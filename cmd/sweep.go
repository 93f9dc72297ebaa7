package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry and auto-approval pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()

		sweeper := a.newSweeper()
		report, err := sweeper.RunOnce(ctx)
		if err != nil {
			sweeper.Shutdown(ctx)
			return err
		}

		drainCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()
		if err := sweeper.Drain(drainCtx); err != nil {
			a.logger.Warn("sweep did not finish in time", zap.Error(err))
		}
		sweeper.Shutdown(drainCtx)

		a.logger.Info("sweep finished",
			zap.Int("expired", report.Expired),
			zap.Int("enqueued", report.Enqueued),
			zap.Int("auto_approved", sweeper.Approved()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
