package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/synaptica-ai/patient-sync/pkg/common/config"
	"github.com/synaptica-ai/patient-sync/pkg/common/database"
	"github.com/synaptica-ai/patient-sync/pkg/common/kafka"
	"github.com/synaptica-ai/patient-sync/pkg/common/logger"
	"github.com/synaptica-ai/patient-sync/pkg/common/middleware"
	"github.com/synaptica-ai/patient-sync/pkg/observability/metrics"
	"github.com/synaptica-ai/patient-sync/pkg/patientsync"
	"github.com/synaptica-ai/patient-sync/pkg/registry"
	"github.com/synaptica-ai/patient-sync/pkg/store"
	"github.com/synaptica-ai/patient-sync/pkg/validation"
	"gorm.io/gorm"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres()

	pg := store.NewPostgres(db)
	if cfg.AutoMigrate {
		if err := pg.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("failed to migrate patient tables")
		}
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)

	reg := registry.New(pg, registry.WithMetrics(m))
	seed, err := registry.LoadSeed(cfg.PartitionsFile)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load partition seed file")
	}
	if err := reg.EnsureAll(context.Background(), seed.Partitions); err != nil {
		logger.Log.WithError(err).Fatal("failed to register seed partitions")
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.PatientMovedTopic)
	defer producer.Close()

	var dlq patientsync.EventPublisher
	if cfg.PatientMoveDLQTopic != "" {
		dlqProducer := kafka.NewProducer(cfg.KafkaBrokers, cfg.PatientMoveDLQTopic)
		defer dlqProducer.Close()
		dlq = dlqProducer
	}

	svc := patientsync.NewService(pg, reg,
		patientsync.WithPublisher(producer),
		patientsync.WithMetrics(m),
	)

	redisClient := database.GetRedis(cfg)
	defer database.CloseRedis()
	cache := validation.NewReportCache(redisClient, cfg.ValidationCacheTTL)
	engine := validation.NewEngine(pg, validation.WithMetrics(m))

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.PatientMoveTopic, cfg.KafkaGroupID)
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := patientsync.NewEventHandler(svc, dlq)
	go func() {
		if err := consumer.Consume(ctx, handler.Handle); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.WithError(err).Fatal("consumer error")
		}
	}()

	router := mux.NewRouter()
	router.Use(middleware.Recovery, middleware.Logging)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", readyHandler(db)).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler(promRegistry)).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	patientsync.NewHTTPHandler(svc, cfg.MaxRequestBody).Register(api)
	registry.NewHandler(reg).Register(api)
	validation.NewHTTPHandler(engine, cache).Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Patient Sync Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Patient Sync Service...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Patient Sync Service stopped")
}

func readyHandler(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			logger.Log.WithError(err).Warn("readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}
}
