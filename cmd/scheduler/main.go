package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tutorhive/server/pkg/tutorhive"
)

// The scheduler binary runs the maintenance jobs and the intent worker
// without the HTTP API. Deployments that want job execution isolated from
// request serving run one of these next to the server instances; the
// distributed job locks keep the two from double-running sweeps.
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

	log.Info().Msg("scheduler starting")
	app.Worker.Start(ctx)
	app.Scheduler.Start(ctx)

	<-ctx.Done()
	log.Info().Msg("shutting down")
	app.Scheduler.Stop()
	app.Worker.Stop()
	if err := app.Close(); err != nil {
		log.Error().Err(err).Msg("resource cleanup")
	}
	log.Info().Msg("scheduler stopped")
}
