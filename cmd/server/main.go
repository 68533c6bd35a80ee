package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/suPer8Hu/ivochat/internal/chat"
	"github.com/suPer8Hu/ivochat/internal/config"
	"github.com/suPer8Hu/ivochat/internal/db"
	"github.com/suPer8Hu/ivochat/internal/directory"
	"github.com/suPer8Hu/ivochat/internal/gateway"
	"github.com/suPer8Hu/ivochat/internal/group"
	"github.com/suPer8Hu/ivochat/internal/httpapi"
	"github.com/suPer8Hu/ivochat/internal/httpapi/handlers"
	"github.com/suPer8Hu/ivochat/internal/logger"
	"github.com/suPer8Hu/ivochat/internal/metrics"
	"github.com/suPer8Hu/ivochat/internal/store/rabbitmq"
	"github.com/suPer8Hu/ivochat/internal/store/redisstore"
)

func main() {
	cfg := config.Load()
	log := logger.SetupDefault(os.Stdout, cfg.LogLevel)
	gin.SetMode(gin.ReleaseMode)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)

	ctx := context.Background()

	rdb, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		fatal(log, "redis", err)
	}
	store := redisstore.New(rdb,
		redisstore.WithRetryMaxElapsed(cfg.StoreRetryMaxElapsed),
		redisstore.WithRetryObserver(func(op string, err error) {
			m.StoreRetry(op, err)
			log.Warn("store retry", "op", op, "err", err)
		}),
	)

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		fatal(log, "db", err)
	}
	// the account table belongs to the main application; only a local SQLite
	// database is created here
	if strings.HasPrefix(cfg.DBDSN, "sqlite:") {
		if err := gdb.AutoMigrate(&directory.Account{}); err != nil {
			fatal(log, "migrate", err)
		}
	}
	resolver := directory.NewResolver(store, directory.NewRepo(gdb), log)

	onFailure := func(g string, mem group.Member, err error) {
		m.DeliveryFailed(g)
		log.Warn("group delivery failed", "group", g, "conn_id", mem.ID(), "err", err)
	}
	var layer group.Layer
	switch cfg.GroupBackend {
	case "rabbitmq":
		dial := func() (group.Transport, error) {
			broker, err := rabbitmq.Dial(cfg.RabbitURL, cfg.RabbitExchange)
			if err != nil {
				return nil, err
			}
			log.Info("rabbitmq connected", "exchange", cfg.RabbitExchange, "queue", broker.Queue())
			return broker, nil
		}
		var err error
		if layer, err = group.NewRabbitMQ(dial, log, onFailure); err != nil {
			fatal(log, "group layer", err)
		}
	case "memory":
		layer = group.NewMemory(onFailure)
	default:
		fatal(log, "config", errors.New("GROUP_BACKEND must be memory or rabbitmq, got "+cfg.GroupBackend))
	}

	relay := chat.NewRelay(store, layer, chat.RelayConfig{
		HistoryTTL: cfg.HistoryTTL,
		Writers:    cfg.HistoryWriterWorkers,
		QueueLen:   cfg.HistoryWriterQueueLen,
		Observer:   m,
	}, log)
	presence := chat.NewPresenceRegistry(store, log)

	gw := gateway.New(layer, presence, relay, resolver, m, gateway.Options{
		SendBuffer:      cfg.WSSendBuffer,
		InboundRate:     cfg.WSInboundRate,
		InboundBurst:    cfg.WSInboundBurst,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
		AllowedOrigins:  cfg.WSAllowedOrigins,
	}, log)

	checks := map[string]handlers.Pinger{"redis": store, "group": layer}
	router := httpapi.NewRouter(httpapi.Deps{
		JWTSecret: cfg.JWTSecret,
		Handler:   handlers.NewHandler(chat.NewHistoryService(relay, log), checks, log),
		Gateway:   gw,
		Metrics:   metrics.Handler(reg),
		Log:       log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr, "group_backend", cfg.GroupBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(log, "http", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		// one operation so teardown keeps its order: stop intake, close sockets,
		// stop fan-out, drain history, then close the stores
		"server": func(ctx context.Context) error {
			log.Info("shutting down")
			errs := []error{srv.Shutdown(ctx)}
			errs = append(errs, gw.Shutdown(ctx))
			errs = append(errs, layer.Close())
			errs = append(errs, relay.Close(ctx))
			errs = append(errs, rdb.Close())
			if sqlDB, err := gdb.DB(); err == nil {
				errs = append(errs, sqlDB.Close())
			}
			return errors.Join(errs...)
		},
	})

	code := <-wait
	log.Info("server exited", "code", code)
	os.Exit(code)
}

func fatal(log *slog.Logger, what string, err error) {
	log.Error("startup failed", "component", what, "err", err)
	os.Exit(1)
}
