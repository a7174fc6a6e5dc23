/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

// vxwhatsapp bridges a WhatsApp Business API provider's webhook and
// outbound-send API onto a vumi-compatible AMQP transport: inbound
// webhooks are normalized and published as canonical messages/events,
// and messages published to "<transport_name>.outbound" are rendered
// and submitted to the provider.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/praekeltfoundation/vxwhatsapp/internal/bus"
	"github.com/praekeltfoundation/vxwhatsapp/internal/claims"
	"github.com/praekeltfoundation/vxwhatsapp/internal/config"
	"github.com/praekeltfoundation/vxwhatsapp/internal/dedup"
	"github.com/praekeltfoundation/vxwhatsapp/internal/health"
	"github.com/praekeltfoundation/vxwhatsapp/internal/obsmw"
	"github.com/praekeltfoundation/vxwhatsapp/internal/outbound"
	"github.com/praekeltfoundation/vxwhatsapp/internal/turnapi"
	"github.com/praekeltfoundation/vxwhatsapp/internal/webhook"
)

func main() {
	cfg := config.Load()

	zlog, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer zlog.Sync()
	stdlog := zap.NewStdLog(zlog)

	if err := obsmw.InitSentry(cfg.SentryDSN, cfg.TransportName, cfg.SentryTracesSampleRate); err != nil {
		zlog.Warn("sentry init failed, continuing without error reporting", zap.Error(err))
	}

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		zlog.Fatal("amqp dial failed", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		zlog.Fatal("amqp channel open failed", zap.Error(err))
	}
	if err := ch.Qos(cfg.Concurrency, 0, false); err != nil {
		zlog.Fatal("amqp qos failed", zap.Error(err))
	}

	var claimsRegistry claims.Registry = claims.NoopRegistry{}
	var dedupGuard dedup.Guard = dedup.NoopGuard{}
	var redisPinger health.RedisPinger

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			zlog.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		redisRegistry := claims.NewRedisRegistry(rdb)
		claimsRegistry = redisRegistry
		redisPinger = redisRegistry
		dedupGuard = dedup.NewRedisGuard(rdb,
			time.Duration(cfg.LockTimeout)*time.Second,
			time.Duration(cfg.DedupWindow)*time.Second)
	}

	heartbeat := health.NewAMQPHeartbeat()

	publisher, err := bus.New(ch, cfg.TransportName, cfg.WhatsAppNumber,
		time.Duration(cfg.PublishTimeout)*time.Second, claimsRegistry, stdlog)
	if err != nil {
		zlog.Fatal("bus setup failed", zap.Error(err))
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher.StartReaper(rootCtx)

	apiClient := turnapi.New(cfg.APIHost, cfg.APIToken, time.Duration(cfg.ConsumeTimeout)*time.Second, cfg.Concurrency)
	mediaCache := outbound.NewMediaCache(apiClient)

	queueName := cfg.TransportName + ".outbound"
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		zlog.Fatal("queue declare failed", zap.Error(err))
	}
	if err := ch.QueueBind(queueName, queueName, bus.Exchange, false, nil); err != nil {
		zlog.Fatal("queue bind failed", zap.Error(err))
	}

	amqpDeliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		zlog.Fatal("consume failed", zap.Error(err))
	}

	deliveries := make(chan outbound.Delivery)
	go func() {
		defer close(deliveries)
		for d := range amqpDeliveries {
			heartbeat.Touch()
			deliveries <- outbound.WrapDelivery(d)
		}
	}()

	consumer := &outbound.Consumer{
		Sender:      apiClient,
		Media:       mediaCache,
		Claims:      claimsRegistry,
		Logger:      stdlog,
		Deliveries:  deliveries,
		Concurrency: cfg.Concurrency,
	}
	go consumer.Run(rootCtx)

	webhookHandler := &webhook.Handler{
		HMACSecret:     cfg.HMACSecret,
		WhatsAppNumber: cfg.WhatsAppNumber,
		TransportName:  cfg.TransportName,
		Publisher:      publisher,
		Guard:          dedupGuard,
		Claims:         claimsRegistry,
		Logger:         stdlog,
	}

	healthHandler := &health.Handler{AMQP: heartbeat, Redis: redisPinger}

	rssStop := make(chan struct{})
	obsmw.StartRSSSampler(30*time.Second, rssStop)

	router := chi.NewRouter()
	router.Method(http.MethodPost, "/v1/webhook", obsmw.InstrumentRoute("webhook", webhookHandler))
	router.Method(http.MethodGet, "/", obsmw.InstrumentRoute("health", healthHandler))
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		zlog.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	zlog.Info("shutting down")

	close(rssStop)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("http shutdown error", zap.Error(err))
	}

	// The reaper must stop before the AMQP connection closes, so its
	// final tick (if in flight) doesn't try to publish on a dead channel.
	publisher.Teardown()
	cancel()
}
