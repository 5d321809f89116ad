package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	segmentio "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	httpHandlers "github.com/reybrally/erp-analytics/internal/adapters/http/handlers"
	kaf "github.com/reybrally/erp-analytics/internal/adapters/kafka"
	"github.com/reybrally/erp-analytics/internal/bootstrap"
	"github.com/reybrally/erp-analytics/internal/config"
	"github.com/reybrally/erp-analytics/internal/logging"
)

func main() {
	cfg := config.Load()
	logging.InitLogger(cfg.App.LogLevel)
	logging.LogInfo("starting erp-analytics", logrus.Fields{
		"pid":     os.Getpid(),
		"port":    cfg.HTTP.Port,
		"store":   cfg.App.StoreBackend,
		"cache":   cfg.App.CacheBackend,
		"domains": cfg.App.Domains,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		logging.LogError("bootstrap failed", err, logrus.Fields{})
		os.Exit(1)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logging.LogError("close failed", err, logrus.Fields{})
		}
	}()

	rt := app.NewRouter()

	group := cfg.Kafka.Group
	if len(cfg.App.Domains) > 0 {
		// a process running a subset of domains is its own consumer group
		for _, d := range app.Domains {
			group += "-" + d.Name
		}
	}
	consumer := kaf.NewConsumer(kaf.ConsumerConfig{
		Brokers:           cfg.Kafka.Brokers,
		Topic:             cfg.Kafka.Topic,
		GroupID:           group,
		ClientID:          cfg.Kafka.ClientID,
		MinBytes:          1 << 10,
		MaxBytes:          10 << 20,
		MaxWait:           100 * time.Millisecond,
		SessionTimeout:    10 * time.Second,
		RebalanceTimeout:  10 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		StartOffset:       segmentio.FirstOffset,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logging.LogInfo("kafka consumer subscribing", logrus.Fields{
			"topic": cfg.Kafka.Topic, "group": group, "brokers": cfg.Kafka.Brokers,
		})
		if err := rt.Run(ctx, consumer); err != nil {
			logging.LogError("kafka consumer stopped", err, logrus.Fields{"topic": cfg.Kafka.Topic, "group": group})
			return
		}
		logging.LogInfo("kafka consumer exited gracefully", logrus.Fields{"topic": cfg.Kafka.Topic, "group": group})
	}()

	if cfg.Reconciler.Enabled {
		if err := app.Reconciler.Start(ctx); err != nil {
			logging.LogError("reconciler start failed", err, logrus.Fields{})
		} else {
			logging.LogInfo("reconciler started", logrus.Fields{"interval": cfg.Reconciler.Interval.String()})
		}
	}

	h := httpHandlers.NewAnalyticsHandlers(app.Query, app.Reconciler)
	r := httpHandlers.NewRouter(h, httpHandlers.RouterConfig{
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Ready:          httpHandlers.ReadyHandler(app.Breaker, app.Checks...),
		Gatherer:       app.Registry,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logging.LogInfo("http server listening", logrus.Fields{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.LogError("http server ListenAndServe failed", err, logrus.Fields{"addr": srv.Addr})
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logging.LogInfo("shutdown signal received", logrus.Fields{"signal": sig.String()})

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		logging.LogError("http server shutdown failed", err, logrus.Fields{})
	} else {
		logging.LogInfo("http server shutdown complete", logrus.Fields{})
	}

	// stop fetching; events still in flight are not acked and get redelivered
	cancel()
	wg.Wait()
	app.Reconciler.Stop()
	rt.Close()
	if err := consumer.Close(); err != nil {
		logging.LogError("kafka consumer close failed", err, logrus.Fields{})
	} else {
		logging.LogInfo("kafka consumer closed", logrus.Fields{})
	}
	logging.LogInfo("bye", logrus.Fields{})
}
