// Command swirl runs one operation, or gathers one fact, across an inventory.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/swirl/cmd/swirl/commands"
	"github.com/openfroyo/swirl/pkg/telemetry"
)

// Set with -ldflags at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// LOG_LEVEL covers the time before the config file is read
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(telemetry.ParseLevel(os.Getenv("LOG_LEVEL")))

	ctx, stop := interruptible()
	defer stop()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	switch {
	case err == nil:
		return
	case !errors.Is(err, commands.ErrHostsFailed):
		log.Error().Err(err).Msg("swirl failed")
	}
	os.Exit(1)
}

// interruptible cancels the returned context on SIGINT or SIGTERM so running
// commands are stopped. A second signal exits at once.
func interruptible() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Warn().Str("signal", sig.String()).Msg("stopping run, signal again to exit immediately")
		cancel()
		<-signals
		os.Exit(130)
	}()

	return ctx, func() {
		signal.Stop(signals)
		cancel()
	}
}
