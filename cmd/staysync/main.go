package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"staysync/internal/infra/broker/kafka"
	"staysync/internal/infra/config"
	appmongo "staysync/internal/infra/db/mongo"
	ginserver "staysync/internal/infra/http/gin"
	"staysync/internal/infra/obs"
	"staysync/internal/infra/storage/s3"
	"staysync/internal/infra/storage/scylla"
	"staysync/internal/infra/ws"
	"staysync/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger := obs.NewLogger("dev")
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env)

	session, err := scylla.NewSession(cfg, logger)
	if err != nil {
		logger.Error("scylla init failed", "error", err)
		os.Exit(1)
	}
	defer session.Close()
	store := scylla.NewStore(session, logger)

	mongoClient, err := appmongo.New(cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		logger.Error("mongo init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongoClient.Close(closeCtx); err != nil {
			logger.Warn("mongo close failed", "error", err)
		}
	}()
	bookings := appmongo.NewBookingContextStore(mongoClient)

	var media s3.Resolver
	mediaClient, err := s3.NewClient(cfg.S3Endpoint, cfg.S3UseSSL, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.MediaURLTTL, logger)
	if err != nil {
		logger.Warn("s3 resolver unavailable, media keys pass through", "error", err)
		media = s3.NoopResolver{}
	} else {
		media = mediaClient
	}

	producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicPrefix, nil)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	gateway := &service.Gateway{
		Store:    store,
		Bookings: bookings,
		Events:   producer,
		Logger:   logger,
	}
	hub := ws.NewHub(gateway, logger)
	gateway.Hub = hub

	bookingHandler := &service.BookingEventHandler{
		Store:    store,
		Bookings: bookings,
		Hub:      hub,
		Logger:   logger,
	}
	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, bookingHandler, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	go func() {
		topic := cfg.KafkaTopicPrefix + cfg.BookingTopic
		if err := consumer.Run(ctx, []string{topic}); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("booking consumer stopped", "error", err)
		}
	}()
	defer consumer.Close()

	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{
		Ready: func() error {
			readyCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return mongoClient.Ping(readyCtx)
		},
	}, ginserver.Handlers{
		Chat: ginserver.ChatHandler{
			Store:    store,
			Bookings: bookings,
			Media:    media,
			Logger:   logger,
		},
	}, hub.HandleUpgrade)

	go func() {
		<-ctx.Done()
		hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("staysync starting", "addr", cfg.HTTPAddr, "env", cfg.Env)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("staysync stopped")
}
