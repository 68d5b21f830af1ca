package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	log "github.com/freundallein/sqspoller/chassis/logging"

	"github.com/freundallein/sqspoller/chassis/config"
	"github.com/freundallein/sqspoller/chassis/queue"
	"github.com/freundallein/sqspoller/producer"
)

func main() {
	_ = godotenv.Load()
	appCfg, err := config.Read()
	if err != nil {
		log.WithFields(log.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	log.Init("producer", appCfg.LogLevel)
	log.WithFields(log.Fields{
		"event": "init_service",
	}).Info("producer initialized")
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

	cfg := &producer.Config{
		Queue:     queueClient,
		Workers:   appCfg.Producer.Workers,
		Messages:  appCfg.Producer.Messages,
		BatchSize: appCfg.Producer.BatchSize,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-done
		log.WithFields(log.Fields{
			"event": "ctx_cancel",
		}).Info("received syscall")
		cancel()
	}()

	stats := producer.Run(ctx, cfg)
	count, err := queueClient.Count(context.Background())
	if err != nil {
		log.WithFields(log.Fields{
			"event": "count_failed",
		}).Error(err)
	}
	log.WithFields(log.Fields{
		"event":  "producer_done",
		"sent":   stats.Sent,
		"failed": stats.Failed,
		"queued": count,
	}).Info("messages sent")
}
