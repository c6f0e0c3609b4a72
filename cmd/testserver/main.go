// Command testserver runs a local HTTP target for surge.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wesleyorama2/surge/internal/testserver"
)

func main() {
	var addr string

	cmd := &cobra.Command{
		Use:   "testserver",
		Short: "Serve the endpoints used by the surge examples",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8000", "Listen address")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, addr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler := testserver.New()
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logrus.WithField("addr", addr).Info("Starting test server")
	logrus.Info("Endpoints: POST /user-register, GET /health, GET /get, GET /status/{code}, GET /slow?delay=")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithError(err).Error("Server failed")
		return err
	}

	logrus.WithFields(logrus.Fields{
		"requests":   handler.Requests(),
		"registered": handler.Registered(),
	}).Info("Server stopped")
	return nil
}
