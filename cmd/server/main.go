package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eternisai/research-dashboard/internal/backend"
	"github.com/eternisai/research-dashboard/internal/config"
	"github.com/eternisai/research-dashboard/internal/dashboard"
	"github.com/eternisai/research-dashboard/internal/logger"
	"github.com/eternisai/research-dashboard/internal/metrics"
	"github.com/eternisai/research-dashboard/internal/pushchannel"
	"github.com/eternisai/research-dashboard/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	boot := appLogger.WithComponent("server")

	boot.Info("setting gin mode", slog.String("mode", cfg.GinMode))
	gin.SetMode(cfg.GinMode)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	backendOpts := backend.Options{
		Timeout:      cfg.BackendTimeout,
		RetryMax:     cfg.BackendRetryMax,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
	}
	client := backend.NewClient(cfg.ResearchAPIBase, backendOpts, appLogger, m)

	source, closeSource, err := newPushSource(cfg, appLogger, m)
	if err != nil {
		fatal(boot, "failed to initialize push channel", err, slog.String("transport", string(cfg.PushTransport)))
	}
	defer closeSource()
	boot.Info("push channel configured", slog.String("transport", source.Name()))

	feed := dashboard.NewFeed(dashboard.FeedOptions{BufferSize: cfg.SubscriberBufferSize}, appLogger, m)
	service := dashboard.NewService(session.Config{
		Backend:        client,
		Source:         source,
		Logger:         appLogger,
		Metrics:        m,
		// Covers every attempt plus the waits between them.
		RequestTimeout: (backendOpts.Timeout + backendOpts.RetryWaitMax) * time.Duration(backendOpts.RetryMax+1),
	}, feed, appLogger)

	var probe *dashboard.HealthProbe
	if cfg.HealthCheckSchedule != "" {
		probe, err = dashboard.NewHealthProbe(client, cfg.HealthCheckSchedule, appLogger, m)
		if err != nil {
			fatal(boot, "failed to initialize health probe", err)
		}
		probe.Start()
	} else {
		boot.Info("backend health probe disabled")
	}

	router := dashboard.NewRouter(dashboard.NewHandler(service, feed, probe, appLogger), registry, appLogger)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: splitOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsHandler.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		boot.Info("research dashboard starting", slog.String("port", cfg.Port), slog.String("backend", cfg.ResearchAPIBase))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(boot, "failed to start server", err)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	boot.Info("shutting down server")

	if probe != nil {
		probe.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	// Hijacked websockets are not tracked by Shutdown; close the feed first.
	feed.Close()
	if err := srv.Shutdown(ctx); err != nil {
		boot.Error("server forced to shutdown", slog.String("error", err.Error()))
	}
	service.Close()

	boot.Info("server exited")
}

// newPushSource builds the configured transport and a func releasing it.
func newPushSource(cfg *config.Config, appLogger *logger.Logger, m *metrics.Metrics) (pushchannel.Source, func(), error) {
	policy := pushchannel.ReconnectPolicy{
		MaxRetries: cfg.PushReconnectMax,
		Base:       cfg.PushReconnectBase,
		Cap:        cfg.PushReconnectCap,
	}

	switch cfg.PushTransport {
	case config.TransportNATS:
		nc, err := nats.Connect(cfg.NatsURL,
			nats.Name("research-dashboard-"+logger.InstanceID()),
			nats.MaxReconnects(policy.MaxRetries),
			nats.ReconnectWait(policy.Base),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				m.PushLifecycle("nats", string(pushchannel.SignalDisconnected))
				if err != nil {
					appLogger.Warn("nats disconnected", slog.String("error", err.Error()))
				}
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				m.PushLifecycle("nats", string(pushchannel.SignalConnected))
				appLogger.Info("nats reconnected")
			}),
		)
		if err != nil {
			return nil, nil, err
		}
		return pushchannel.NewNATSSource(nc, cfg.NatsSubjectPrefix, appLogger, m), func() { _ = nc.Drain() }, nil
	default:
		dialer := &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.BackendTimeout,
		}
		return pushchannel.NewWebSocketSource(cfg.ResearchWSURL, policy, appLogger, m, pushchannel.WithDialer(dialer)), func() {}, nil
	}
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func fatal(l *logger.Logger, msg string, err error, attrs ...any) {
	l.Error(msg, append([]any{slog.String("error", err.Error())}, attrs...)...)
	os.Exit(1)
}
