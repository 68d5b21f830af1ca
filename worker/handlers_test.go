package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freundallein/sqspoller/chassis/protocol"
	"github.com/freundallein/sqspoller/chassis/queue"
	"github.com/freundallein/sqspoller/chassis/storage"
	"github.com/freundallein/sqspoller/poller"
	"github.com/freundallein/sqspoller/producer"
)

type brokenJournal struct{}

func (brokenJournal) Record(context.Context, *storage.Entry) error {
	return errors.New("connection refused")
}

func TestHandleJournalIsIdempotent(t *testing.T) {
	journal := storage.NewMemoryJournal()
	handle := HandleJournal(journal, time.Second)
	request := protocol.Request{ID: "1", Method: "export", Params: map[string]string{"objectID": "9"}}

	require.NoError(t, handle(request))
	require.NoError(t, handle(request))

	entries := journal.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "export", entries[0].Method)
	assert.Equal(t, map[string]string{"result": "success"}, entries[0].Result)
}

func TestHandleJournalError(t *testing.T) {
	handle := HandleJournal(brokenJournal{}, time.Second)
	assert.EqualError(t, handle(protocol.Request{ID: "1", Method: "export"}), "connection refused")
}

func TestEngineWithMemoryQueue(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemoryQueue(queue.Config{}, time.Minute, clock.NewMock())
	for _, body := range []string{
		`{"jsonrpc":"2.0","id":"a","method":"export","params":{}}`,
		`{"jsonrpc":"2.0","id":"b","params":{}}`,
		`{"jsonrpc":"2.0","id":"c","method":"export","params":{}}`,
	} {
		_, err := mem.Send(ctx, body)
		require.NoError(t, err)
	}

	cfg := poller.PollingConfig{IdleThreshold: 2, FailureThreshold: -1, AutoStopOnIdle: true}
	engine, err := poller.New[protocol.Request](cfg, mem,
		poller.WithDecoder(protocol.DecodeRequest),
		poller.WithName("worker"),
	)
	require.NoError(t, err)
	journal := storage.NewMemoryJournal()
	engine.OnMessage(HandleJournal(journal, time.Second))
	engine.OnError(LogErrors("worker"))
	var failures []error
	engine.OnError(func(err error) {
		failures = append(failures, err)
	})

	result, err := engine.StartAndWait()
	require.NoError(t, err)

	assert.Equal(t, poller.StopIdle, result.Reason)
	assert.Equal(t, uint64(2), result.Processed)
	assert.Equal(t, uint64(1), result.Failed)
	require.Len(t, failures, 1)
	var procErr *poller.ProcessingError
	require.ErrorAs(t, failures[0], &procErr)
	assert.Equal(t, poller.StageDecode, procErr.Stage)

	entries := journal.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].MessageID)
	assert.Equal(t, "c", entries[1].MessageID)
	assert.Equal(t, 1, mem.Len(), "the broken message stays in the queue")
}

func TestRepeatedProducerRunsAreAllJournaled(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemoryQueue(queue.Config{}, time.Minute, clock.NewMock())
	for run := 0; run < 2; run++ {
		stats := producer.Run(ctx, &producer.Config{Queue: mem, Workers: 1, Messages: 3})
		require.Equal(t, producer.Stats{Sent: 3}, stats)
	}

	cfg := poller.PollingConfig{IdleThreshold: 1, FailureThreshold: -1, AutoStopOnIdle: true}
	engine, err := poller.New[protocol.Request](cfg, mem, poller.WithDecoder(protocol.DecodeRequest))
	require.NoError(t, err)
	journal := storage.NewMemoryJournal()
	engine.OnMessage(HandleJournal(journal, time.Second))

	result, err := engine.StartAndWait()
	require.NoError(t, err)

	assert.Equal(t, uint64(6), result.Processed)
	assert.Len(t, journal.Entries(), 6)
	assert.Equal(t, 0, mem.Len())
}
