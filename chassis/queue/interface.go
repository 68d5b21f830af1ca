package queue

import (
	"context"
	"time"
)

// Config - unified configuration for queue service
type Config struct {
	Name string
	URL  string

	// WaitTime bounds a single Receive call.
	WaitTime time.Duration

	//AWS specified
	Region             string
	CredentialsFile    string
	CredentialsProfile string
	Retries            int
}

// RecvMessage unified presentation for queue message
type RecvMessage struct {
	ID     string
	Body   string
	Handle string
	// ReceiveCount is the approximate number of deliveries, this one included.
	ReceiveCount int
}

// SendResult is the per-entry outcome of SendBatch.
type SendResult struct {
	Index     int
	MessageID string
	Err       error
}

// Transport is the part of a queue the polling engine consumes.
// Receive returns nil, nil when no message became available within the wait time.
type Transport interface {
	Receive(ctx context.Context) (*RecvMessage, error)
	Delete(ctx context.Context, handle string) error
}

// Client interface for queue interaction (SQS Based)
type Client interface {
	Transport
	Send(ctx context.Context, body string) (string, error)
	SendBatch(ctx context.Context, bodies []string) ([]SendResult, error)
	Count(ctx context.Context) (int, error)
}
