package worker

import (
	"context"
	"errors"
	"time"

	log "github.com/freundallein/sqspoller/chassis/logging"

	"github.com/freundallein/sqspoller/chassis/protocol"
	"github.com/freundallein/sqspoller/chassis/storage"
)

// HandleJournal - records every request in the journal. A request that is
// already journaled was redelivered after a lost delete and counts as done.
func HandleJournal(journal storage.Journal, timeout time.Duration) func(protocol.Request) error {
	return func(request protocol.Request) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		response := &protocol.Response{
			ID:     request.ID,
			Result: map[string]string{"result": "success"},
		}
		entry := &storage.Entry{
			MessageID:   request.ID,
			Method:      request.Method,
			Params:      request.Params,
			Result:      response.Result,
			ProcessedDt: time.Now(),
		}
		err := journal.Record(ctx, entry)
		if errors.Is(err, storage.ErrDuplicate) {
			log.WithFields(log.Fields{
				"event":  "duplicated_message",
				"taskID": request.ID,
			}).Warn("receive duplicated message")
			return nil
		}
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"event":  "object_processed",
			"taskID": request.ID,
			"method": request.Method,
		}).Info(response)
		return nil
	}
}

// LogErrors - error handler for the polling engine.
func LogErrors(module string) func(error) {
	return func(err error) {
		log.WithFields(log.Fields{
			"event":  "processing_error",
			"module": module,
		}).Error(err)
	}
}
