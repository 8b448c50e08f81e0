package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/weiawesome/danmu-bridge/internal/claims"
	"github.com/weiawesome/danmu-bridge/internal/config"
	"github.com/weiawesome/danmu-bridge/internal/control"
	"github.com/weiawesome/danmu-bridge/internal/domain"
	"github.com/weiawesome/danmu-bridge/internal/handler"
	"github.com/weiawesome/danmu-bridge/internal/metrics"
	"github.com/weiawesome/danmu-bridge/internal/relay"
	"github.com/weiawesome/danmu-bridge/internal/stream/bilibili"
	pkglog "github.com/weiawesome/danmu-bridge/pkg/log"
	"github.com/weiawesome/danmu-bridge/pkg/pubsub"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Initialize structured logger
	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	creds, err := domain.ParseCredentials(cfg.Bilibili.Cookies)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse cookies")
	}
	if creds.Anonymous() {
		logger.Warn().Msg("no cookies configured, listening anonymously")
	}

	logger.Info().Str(pkglog.FieldEndpoint, cfg.Control.URL).Stringer("credentials", creds).
		Int("capacity", cfg.Relay.Capacity).Msg("starting danmu-bridge")

	m := metrics.NewMetrics()
	opts := []relay.Option{relay.WithInstanceID(cfg.InstanceID), relay.WithMetrics(m)}

	// Optional room claims shared between instances
	var claimStore *claims.RedisStore
	if cfg.Claims.Enabled {
		claimStore, err = claims.NewRedisStore(cfg.Claims, cfg.InstanceID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to create claim store, room claims disabled")
		} else {
			claimStore.StartHeartbeat(context.Background())
			defer claimStore.Close()
			opts = append(opts, relay.WithClaims(claimStore))
		}
	}

	// Optional archive mirror
	if cfg.Mirror.Enabled {
		publisher, err := pubsub.NewPublisher(cfg.Mirror.Config)
		if err != nil {
			logger.Warn().Err(err).Str("driver", cfg.Mirror.Driver).Msg("failed to create mirror publisher, mirroring disabled")
		} else {
			defer publisher.Close()
			opts = append(opts, relay.WithMirror(publisher))
			logger.Info().Str("driver", cfg.Mirror.Driver).Msg("mirroring room events")
		}
	}

	channel := control.NewWSChannel(cfg.Control)
	opener := bilibili.NewOpener(cfg.Bilibili.Config)
	r := relay.New(channel, opener, creds, cfg.Relay, opts...)

	// Optional status server
	var server *http.Server
	if cfg.Server.Enabled {
		router := handler.NewRouter(handler.NewHTTPHandler(r), logger, m.Handler())
		server = &http.Server{
			Addr:         cfg.Server.Addr(),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", server.Addr).Msg("status server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("status server error")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan error, 1)
	go func() { started <- r.Start(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-started:
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to control server")
		}
		<-quit
	case <-quit:
		cancel()
	}

	logger.Info().Msg("shutting down danmu-bridge")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := r.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("relay shutdown error")
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}

	logger.Info().Msg("danmu-bridge stopped")
}
