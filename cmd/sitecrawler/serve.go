package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and job runners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	rt, a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	logger := rt.logger

	port := rt.cfg.Server.Port
	if p, perr := strconv.Atoi(os.Getenv("PORT")); perr == nil && p > 0 {
		port = p
	}
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           a.Server().Handler(),
		ReadHeaderTimeout: rt.cfg.Server.ReadHeaderTimeout,
	}

	runCtx, stopRunners := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRunners()
	runnersDone := make(chan struct{})
	go func() {
		defer close(runnersDone)
		a.Manager.Run(runCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var srvErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case srvErr = <-serveErr:
		if srvErr != nil {
			logger.Error("http server error", zap.Error(srvErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Warn("service shutdown incomplete", zap.Error(err))
	}
	stopRunners()
	<-runnersDone
	logger.Info("shutdown complete")
	if srvErr != nil {
		return fmt.Errorf("http server: %w", srvErr)
	}
	return nil
}
