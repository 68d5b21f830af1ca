package producer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	log "github.com/freundallein/sqspoller/chassis/logging"

	"github.com/freundallein/sqspoller/chassis/protocol"
	"github.com/freundallein/sqspoller/chassis/queue"
)

var letters = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")

// Config ...
type Config struct {
	Queue     queue.Client
	Workers   int
	Messages  int
	BatchSize int
	Method    string
}

// Stats are the totals over all workers.
type Stats struct {
	Sent   int
	Failed int
}

func randSeq(rnd *rand.Rand, n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[rnd.Intn(len(letters))]
	}
	return string(b)
}

// share splits total messages between workers, the first ones get the remainder.
func share(total, workers, workerID int) int {
	n := total / workers
	if workerID <= total%workers {
		n++
	}
	return n
}

func worker(ctx context.Context, cfg *Config, workerID int, stats *Stats, mu *sync.Mutex, group *sync.WaitGroup) {
	defer group.Done()
	cli := cfg.Queue
	rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	left := share(cfg.Messages, cfg.Workers, workerID)

	for left > 0 {
		select {
		case <-ctx.Done():
			log.WithFields(log.Fields{
				"event":  "ctx_canceled",
				"worker": workerID,
			}).Info("exit goroutine")
			return
		default:
		}
		size := cfg.BatchSize
		if size > left {
			size = left
		}
		bodies := make([]string, 0, size)
		for i := 0; i < size; i++ {
			message := protocol.Request{
				ID:     uuid.New().String(),
				Method: cfg.Method,
				Params: map[string]string{"random": randSeq(rnd, 10)},
			}
			jsonMsg, err := message.JSON()
			if err != nil {
				log.WithFields(log.Fields{
					"event":  "serialize_failed",
					"worker": workerID,
				}).Error(err)
				continue
			}
			bodies = append(bodies, jsonMsg)
		}
		left -= size

		sent, failed := send(ctx, cli, bodies, workerID)
		mu.Lock()
		stats.Sent += sent
		stats.Failed += failed
		mu.Unlock()
	}
}

// send uses a single SendMessage for one body and SendBatch otherwise.
func send(ctx context.Context, cli queue.Client, bodies []string, workerID int) (int, int) {
	if len(bodies) == 1 {
		_, err := cli.Send(ctx, bodies[0])
		if err != nil {
			log.WithFields(log.Fields{
				"event":  "send_message_failed",
				"worker": workerID,
			}).Error(err)
			return 0, 1
		}
		return 1, 0
	}
	results, err := cli.SendBatch(ctx, bodies)
	if err != nil {
		log.WithFields(log.Fields{
			"event":  "send_batch_failed",
			"worker": workerID,
		}).Error(err)
	}
	sent, failed := 0, 0
	for _, res := range results {
		switch {
		case res.Err != nil:
			failed++
			log.WithFields(log.Fields{
				"event":  "batch_entry_failed",
				"worker": workerID,
				"index":  res.Index,
			}).Warn(res.Err)
		case res.MessageID != "":
			sent++
		default:
			failed++
		}
	}
	return sent, failed
}

// Run sends cfg.Messages requests with cfg.Workers goroutines and blocks until they are done.
func Run(ctx context.Context, cfg *Config) Stats {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > queue.MaxBatchSize {
		cfg.BatchSize = queue.MaxBatchSize
	}
	if cfg.Method == "" {
		cfg.Method = "export"
	}
	log.WithFields(log.Fields{
		"event": "start_service",
	}).Info("starting ", cfg.Workers, " workers")
	var (
		group sync.WaitGroup
		mu    sync.Mutex
		stats Stats
	)
	for wrk := 1; wrk <= cfg.Workers; wrk++ {
		group.Add(1)
		go worker(ctx, cfg, wrk, &stats, &mu, &group)
	}
	group.Wait()
	return stats
}
