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

	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/S0lux/websocket-rabbitmq-demo/internal/bridge"
	"github.com/S0lux/websocket-rabbitmq-demo/internal/config"
	"github.com/S0lux/websocket-rabbitmq-demo/internal/gather"
	"github.com/S0lux/websocket-rabbitmq-demo/internal/gateway"
	"github.com/S0lux/websocket-rabbitmq-demo/internal/identity"
	"github.com/S0lux/websocket-rabbitmq-demo/internal/metrics"
	"github.com/S0lux/websocket-rabbitmq-demo/internal/presence"
)

func main() {
	cfgPath := flag.String("config", "chatbridge.yaml", "path to config file")
	flag.Parse()

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	instanceID := identity.NewInstanceID()
	log = log.With().Str("instance", instanceID).Logger()

	tracker := presence.NewTracker()
	coord := gather.New(cfg.Fleet.Instances, cfg.Fleet.QueryTimeout, log)
	br, err := bridge.New(bridge.Config{
		URL:       cfg.Broker.URL,
		Endpoints: cfg.Broker.Endpoints,
		TLS:       bridge.TLSConfig(cfg.Broker.TLS),
		Auth:      bridge.AuthConfig(cfg.Broker.Auth),
	}, instanceID, tracker, coord, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build bridge")
	}

	gw := gateway.New(gateway.Config{
		AllowedOrigin: cfg.Server.FrontendURL,
		QueryWait:     cfg.Fleet.QueryTimeout + time.Second,
	}, br, log)
	br.SetListener(gw)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := br.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start bridge")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	handler := http.Handler(mux)
	if cfg.Server.FrontendURL != "" {
		handler = cors.New(cors.Options{
			AllowedOrigins:   []string{cfg.Server.FrontendURL},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost},
			AllowCredentials: true,
		}).Handler(mux)
	}

	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: handler}
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Int("fleet", cfg.Fleet.Instances).Msg("chatbridged listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := br.Close(); err != nil {
		log.Warn().Err(err).Msg("bridge close")
	}
}
