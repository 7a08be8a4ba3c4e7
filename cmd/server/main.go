package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tutorhive/server/pkg/tutorhive"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()
	if *configPath == "" {
		*configPath = os.Getenv("TUTORHIVE_CONFIG")
	}

	cfg, err := tutorhive.LoadConfig(*configPath)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	app, err := tutorhive.NewApp(cfg)
	if err != nil {
		os.Stderr.WriteString("startup: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := app.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	app.Worker.Start(gctx)
	app.Scheduler.Start(gctx)

	group.Go(func() error {
		log.Info().Str("address", cfg.Server.Address).Msg("http server starting")
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := app.Server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown")
		}
		app.Scheduler.Stop()
		app.Worker.Stop()
		return nil
	})

	err = group.Wait()
	if closeErr := app.Close(); closeErr != nil {
		log.Error().Err(closeErr).Msg("resource cleanup")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("server exited with error")
	}
	log.Info().Msg("server stopped")
}
