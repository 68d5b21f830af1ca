package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/freundallein/sqspoller/chassis/logging"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/freundallein/sqspoller/chassis/config"
	"github.com/freundallein/sqspoller/chassis/monkey"
	"github.com/freundallein/sqspoller/chassis/protocol"
	"github.com/freundallein/sqspoller/chassis/queue"
	"github.com/freundallein/sqspoller/chassis/storage"
	"github.com/freundallein/sqspoller/poller"
	"github.com/freundallein/sqspoller/worker"
)

func main() {
	_ = godotenv.Load()
	appCfg, err := config.Read()

	if err != nil {
		log.WithFields(log.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	log.Init("poller", appCfg.LogLevel)
	log.WithFields(log.Fields{
		"event": "init_service",
	}).Info("service initialized")

	queueCfg := queue.Config{
		Name:     appCfg.Queue.Name,
		URL:      appCfg.Queue.URL,
		Retries:  appCfg.Queue.Retries,
		WaitTime: time.Duration(appCfg.Queue.WaitTime) * time.Second,

		//AWS specific
		Region:             appCfg.AWS.Region,
		CredentialsFile:    appCfg.AWS.CredentialsFile,
		CredentialsProfile: appCfg.AWS.CredentialsProfile,
	}
	queueClient, err := queue.InitAWSQueue(queueCfg)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_queue_failed",
		}).Fatal(err)
	}
	var transport queue.Transport = queueClient
	if appCfg.Monkey.ErrorChance > 0 {
		transport = monkey.Wrap(queueClient, monkey.New(appCfg.Monkey.ErrorChance, 0))
	}

	var journal storage.Journal = storage.NewMemoryJournal()
	if appCfg.Storage.DSN != "" {
		pgJournal, err := storage.InitPGJournal(context.Background(), storage.Config{DSN: appCfg.Storage.DSN})
		if err != nil {
			log.WithFields(log.Fields{
				"event": "init_storage_failed",
			}).Fatal(err)
		}
		defer pgJournal.Close()
		if err := pgJournal.Migrate(context.Background()); err != nil {
			log.WithFields(log.Fields{
				"event": "migrate_storage_failed",
			}).Fatal(err)
		}
		journal = pgJournal
	}

	cleanCtx, stopCleaner := context.WithCancel(context.Background())
	defer stopCleaner()
	if cleaner, ok := journal.(storage.Cleaner); ok && appCfg.Storage.Retention > 0 {
		go worker.CleanJournal(cleanCtx, cleaner, appCfg.Storage.Retention,
			time.Duration(appCfg.Storage.CleanInterval)*time.Second, nil)
	}

	pollingCfg, err := poller.FromConfig(appCfg.Polling)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "polling_config_invalid",
		}).Fatal(err)
	}
	engine, err := poller.New[protocol.Request](pollingCfg, transport,
		poller.WithName(appCfg.Queue.Name),
		poller.WithDecoder(protocol.DecodeRequest),
		poller.WithMetrics(poller.NewMetrics(prometheus.DefaultRegisterer, appCfg.Queue.Name)),
	)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_engine_failed",
		}).Fatal(err)
	}
	engine.OnMessage(worker.HandleJournal(journal, 10*time.Second))
	engine.OnError(worker.LogErrors("poller"))

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !engine.Running() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:    appCfg.Metrics.Addr,
		Handler: router,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen: ", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	if err := engine.Start(); err != nil {
		log.WithFields(log.Fields{
			"event": "start_engine_failed",
		}).Fatal(err)
	}
	var result poller.Result
	select {
	case <-done:
		log.WithFields(log.Fields{
			"event": "ctx_cancel",
		}).Info("received syscall")
		result = engine.Stop()
	case <-engine.Done():
		result = engine.Wait()
	}
	log.WithFields(log.Fields{
		"event":     "engine_result",
		"reason":    result.Reason.String(),
		"processed": result.Processed,
		"failed":    result.Failed,
		"lastError": result.Err,
	}).Info("engine finished")
	stopCleaner()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server Shutdown Failed: ", err)
	}
}
