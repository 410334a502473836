// Zmesd — signaling server entry point.
//
// It hosts the call signaling channel over WebSocket, a small user
// directory over REST, and persists in-flight call records in sqlite so a
// restart mid-ring does not drop the call.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DARK-V-98/zmes/internal/config"
	"github.com/DARK-V-98/zmes/internal/server"
	"github.com/DARK-V-98/zmes/internal/util"
)

var version = "dev"

func main() {
	cfg := config.Server{}
	flag.StringVar(&cfg.Addr, "addr", ":8090", "Listen address")
	flag.StringVar(&cfg.DataDir, "data", ".", "Directory for the sqlite database")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	util.SetupLogger(cfg.Debug)
	log.Info().Str("version", version).Str("addr", cfg.Addr).Msg("zmesd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := server.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("open call store")
	}
	defer store.Close()

	srv := server.New(store)
	httpSrv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     srv.Router(),
		ReadTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}

	log.Info().Msg("zmesd stopped")
}
