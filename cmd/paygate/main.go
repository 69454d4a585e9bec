// Command paygate starts the metering/admission-control proxy: it loads
// configuration, wires the components in pkg/paygate, and serves the HTTP
// surface until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paygate-dev/paygate/internal/config"
	"github.com/paygate-dev/paygate/pkg/paygate"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paygate: config error: %v\n", err)
		os.Exit(1)
	}

	app, err := paygate.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paygate: startup error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "paygate: start error: %v\n", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("paygate.shutdown_signal_received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("paygate.server_error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("paygate.shutdown_error")
	}
}
