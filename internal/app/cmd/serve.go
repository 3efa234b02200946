package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"companion-gateway/internal/app/server"
	"companion-gateway/internal/config/loader"
	corelog "companion-gateway/internal/core/log"
)

// serveCmd 运行网关实例
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a gateway instance",
	Long: `Run a gateway instance with the public (claim, refresh, pairing, stream)
and admin (drain, metrics) listeners.

The first SIGINT/SIGTERM drains the instance: devices are told to reconnect
elsewhere and are force-closed once the grace period elapses. A second signal
stops immediately.

Example:
  companion-gateway serve -c config.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loader.Load(configFile)
	if err != nil {
		return err
	}

	logger, closer, err := corelog.Configure(corelog.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.NewServerBuilder(cfg).WithLogger(logger).WithDefaults().Build(ctx)
	if err != nil {
		return err
	}
	srv.DisplayStartupBanner(cmd.OutOrStdout(), configFile)

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-done:
		return runErr(err)
	case sig := <-sigChan:
		logger.Infof("Received %s, draining before shutdown", sig)
	}

	drainCtx, stopDrain := context.WithCancel(ctx)
	go func() {
		select {
		case <-sigChan:
			logger.Warn("Second signal received, stopping immediately")
			stopDrain()
		case <-drainCtx.Done():
		}
	}()
	st, err := srv.Drain(drainCtx, "shutdown", 0)
	stopDrain()
	if err != nil {
		logger.WithError(err).Warn("Drain did not complete cleanly")
	} else {
		logger.Infof("Drain %s: %d connections force-closed", st.State, st.ForceClosed)
	}

	cancel()
	return runErr(<-done)
}

func runErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
