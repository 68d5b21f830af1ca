package poller

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Start on an engine that was started before.
	ErrAlreadyStarted = errors.New("engine already started")
	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid polling config")
	// ErrHandlerPanic wraps a recovered panic from a message handler.
	ErrHandlerPanic = errors.New("message handler panicked")
	// ErrDecoderPanic wraps a recovered panic from the decoder.
	ErrDecoderPanic = errors.New("decoder panicked")
)

// Stage names the step of message processing that failed.
type Stage string

// Processing stages.
const (
	StageDecode Stage = "decode"
	StageHandle Stage = "handle"
)

// ProcessingError is delivered to error handlers when a received message
// could not be decoded or a handler failed. The message stays in the queue.
type ProcessingError struct {
	MessageID string
	Stage     Stage
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s message %s: %v", e.Stage, e.MessageID, e.Err)
}

// Unwrap ...
func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// TransportError is delivered to error handlers when Receive fails.
// It is not counted towards the failure threshold.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap ...
func (e *TransportError) Unwrap() error {
	return e.Err
}
