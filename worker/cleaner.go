package worker

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	log "github.com/freundallein/sqspoller/chassis/logging"
	"github.com/freundallein/sqspoller/chassis/storage"
)

// CleanJournal removes journal entries older than expiration seconds every
// interval until ctx is cancelled.
func CleanJournal(ctx context.Context, cleaner storage.Cleaner, expiration int, interval time.Duration, clk clock.Clock) {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	log.WithFields(log.Fields{
		"event": "start_journal_cleaner",
	}).Info("starting journal cleaner with ", expiration, "s expiration time")
	ticker := clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.WithFields(log.Fields{
				"event":  "ctx_canceled",
				"worker": "journal_cleaner",
			}).Info("exit goroutine")
			return
		case <-ticker.C:
			cleaned, err := cleaner.CleanOld(ctx, expiration)
			if err != nil {
				log.WithFields(log.Fields{
					"event":  "clean_journal_failed",
					"worker": "journal_cleaner",
				}).Error(err)
				continue
			}
			log.WithFields(log.Fields{
				"event":  "clean_journal",
				"worker": "journal_cleaner",
			}).Debug("cleaned rows: ", cleaned)
		}
	}
}
