package main

import (
	"context"
	"flag"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	log "github.com/freundallein/sqspoller/chassis/logging"

	"github.com/freundallein/sqspoller/chassis/monkey"
	"github.com/freundallein/sqspoller/chassis/protocol"
	"github.com/freundallein/sqspoller/chassis/queue"
	"github.com/freundallein/sqspoller/chassis/storage"
	"github.com/freundallein/sqspoller/poller"
	"github.com/freundallein/sqspoller/producer"
	"github.com/freundallein/sqspoller/worker"
)

// local runs producer and poller against an in-memory queue.
func main() {
	messages := flag.Int("messages", 200, "messages to produce")
	chance := flag.Float64("monkey", 0.05, "injected transport error chance")
	level := flag.String("loglevel", "info", "log level")
	flag.Parse()

	log.Init("local", *level)
	mem := queue.NewMemoryQueue(queue.Config{WaitTime: 100 * time.Millisecond}, 2*time.Second, nil)

	stats := producer.Run(context.Background(), &producer.Config{
		Queue:    mem,
		Workers:  4,
		Messages: *messages,
	})
	log.WithFields(log.Fields{
		"event": "produced",
		"sent":  stats.Sent,
	}).Info("queue filled")

	cfg := poller.PollingConfig{
		BaseInterval:     time.Millisecond,
		IdleInterval:     500 * time.Millisecond,
		IdleThreshold:    5,
		FailureThreshold: 50,
		AutoStopOnIdle:   true,
	}
	journal := storage.NewMemoryJournal()
	engine, err := poller.New[protocol.Request](cfg, monkey.Wrap(mem, monkey.New(*chance, 0)),
		poller.WithName("local"),
		poller.WithDecoder(protocol.DecodeRequest),
		poller.WithMetrics(poller.NewMetrics(prometheus.NewRegistry(), "local")),
	)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_engine_failed",
		}).Fatal(err)
	}
	engine.OnMessage(worker.HandleJournal(journal, time.Second))
	engine.OnError(worker.LogErrors("local"))

	result, err := engine.StartAndWait()
	if err != nil {
		log.WithFields(log.Fields{
			"event": "start_engine_failed",
		}).Fatal(err)
	}
	log.Info("-----------------------")
	log.Info("STOP REASON ", result.Reason)
	log.Info("PROCESSED ", result.Processed)
	log.Info("FAILED ", result.Failed)
	log.Info("JOURNALED ", len(journal.Entries()))
	log.Info("LEFT IN QUEUE ", mem.Len())
}
