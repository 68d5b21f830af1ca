// Package poller runs a single background loop that pulls messages from a
// queue transport, decodes them, hands them to subscribers and deletes
// them once every subscriber succeeded. Delivery is at-least-once: a
// message whose processing failed, or whose delete did not go through,
// is delivered again by the queue, so handlers must be idempotent.
package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	log "github.com/freundallein/sqspoller/chassis/logging"
	"github.com/freundallein/sqspoller/chassis/protocol"
	"github.com/freundallein/sqspoller/chassis/queue"
)

// StopReason tells why the polling loop exited.
type StopReason int

// Stop reasons.
const (
	StopRequested StopReason = iota
	StopIdle
	StopFailureThreshold
)

func (r StopReason) String() string {
	switch r {
	case StopRequested:
		return "requested"
	case StopIdle:
		return "idle"
	case StopFailureThreshold:
		return "failure_threshold"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// Result is the terminal state of an engine run.
type Result struct {
	Reason StopReason
	// Err is the last processing error, set when the failure threshold stopped the engine.
	Err       error
	Received  uint64
	Processed uint64
	Failed    uint64
}

// Decoder turns a raw queue body into T.
type Decoder[T any] func(body string) (T, error)

// Engine polls a transport on one goroutine. It runs at most once:
// after it stopped, a new Engine has to be created.
//
// Handlers are called synchronously from the polling goroutine, one
// message at a time, in registration order. They must not call Stop,
// which waits for that same goroutine; use RequestStop instead.
type Engine[T any] struct {
	cfg       PollingConfig
	transport queue.Transport
	decode    Decoder[T]
	name      string
	clock     clock.Clock
	metrics   *Metrics
	wait      func(ctx context.Context, d time.Duration) bool

	mu        sync.Mutex
	onMessage []func(T) error
	onError   []func(error)
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	result    Result

	running atomic.Bool

	// owned by the polling goroutine
	consecutiveEmpty    uint
	consecutiveFailures uint
	lastErr             error
	received            uint64
	processed           uint64
	failed              uint64
}

// New validates cfg and builds an engine. Bodies are decoded as JSON unless WithDecoder is given.
func New[T any](cfg PollingConfig, transport queue.Transport, opts ...Option) (*Engine[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidConfig)
	}
	s := settings{name: "default", clock: clock.New()}
	for _, opt := range opts {
		opt(&s)
	}
	decode := Decoder[T](protocol.JSONDecoder[T])
	if s.decoder != nil {
		fn, ok := s.decoder.(func(string) (T, error))
		if !ok {
			return nil, fmt.Errorf("%w: decoder type %T does not produce %T", ErrInvalidConfig, s.decoder, *new(T))
		}
		decode = fn
	}
	e := &Engine[T]{
		cfg:       cfg,
		transport: transport,
		decode:    decode,
		name:      s.name,
		clock:     s.clock,
		metrics:   s.metrics,
		done:      make(chan struct{}),
	}
	e.wait = e.sleep
	return e, nil
}

// OnMessage subscribes a handler. A returned error or a panic marks the message as failed.
func (e *Engine[T]) OnMessage(handler func(T) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMessage = append(e.onMessage, handler)
}

// OnError subscribes an error handler. It receives *ProcessingError and *TransportError values.
func (e *Engine[T]) OnError(handler func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = append(e.onError, handler)
}

// Start launches the polling goroutine and returns immediately.
// Any call after the first returns ErrAlreadyStarted.
func (e *Engine[T]) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running.Store(true)
	e.metrics.setRunning(true)
	log.WithFields(log.Fields{
		"event":  "engine_started",
		"engine": e.name,
	}).Info("start polling")
	go e.loop(ctx)
	return nil
}

// StartAndWait starts the engine and blocks until it stops.
func (e *Engine[T]) StartAndWait() (Result, error) {
	if err := e.Start(); err != nil {
		return Result{}, err
	}
	return e.Wait(), nil
}

// RequestStop asks the loop to exit without waiting for it.
func (e *Engine[T]) RequestStop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	e.running.Store(false)
	if cancel != nil {
		cancel()
	}
}

// Stop requests the loop to exit and waits until the polling goroutine
// returned; no transport call happens after Stop returns. An in-flight
// handler runs to completion first. Stop on an engine that never started
// is a no-op.
func (e *Engine[T]) Stop() Result {
	e.RequestStop()
	return e.Wait()
}

// Wait blocks until the loop exited. It returns immediately for an engine that never started.
func (e *Engine[T]) Wait() Result {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return Result{}
	}
	<-e.done
	return e.result
}

// Done is closed once the polling goroutine exited.
func (e *Engine[T]) Done() <-chan struct{} {
	return e.done
}

// Running reports whether the loop is active.
func (e *Engine[T]) Running() bool {
	return e.running.Load()
}

func (e *Engine[T]) loop(ctx context.Context) {
	defer close(e.done)
	reason := e.poll(ctx)
	e.running.Store(false)
	e.metrics.setRunning(false)
	e.metrics.stopped(reason)
	e.result = Result{
		Reason:    reason,
		Received:  e.received,
		Processed: e.processed,
		Failed:    e.failed,
	}
	if reason == StopFailureThreshold {
		e.result.Err = e.lastErr
	}
	log.WithFields(log.Fields{
		"event":     "engine_stopped",
		"engine":    e.name,
		"reason":    reason.String(),
		"received":  e.received,
		"processed": e.processed,
		"failed":    e.failed,
	}).Info("stop polling")
}

func (e *Engine[T]) poll(ctx context.Context) StopReason {
	for e.running.Load() && ctx.Err() == nil {
		msg, err := e.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return StopRequested
			}
			e.metrics.receiveError()
			log.WithFields(log.Fields{
				"event":  "receive_failed",
				"engine": e.name,
			}).Error(err)
			e.report(&TransportError{Op: "receive", Err: err})
			msg = nil
		}
		got := msg != nil
		e.metrics.observeReceive(got)
		if got {
			e.consecutiveEmpty = 0
			e.process(ctx, msg)
		}

		var pause time.Duration
		if e.cfg.LegacyIdleCount {
			if e.idleExceeded() {
				return StopIdle
			}
			if e.failuresExceeded() {
				return StopFailureThreshold
			}
			pause = e.interval()
			e.consecutiveEmpty++
		} else {
			if e.failuresExceeded() {
				return StopFailureThreshold
			}
			pause = e.interval()
			if !got {
				e.consecutiveEmpty++
			}
			if e.idleExceeded() {
				return StopIdle
			}
		}
		if !e.wait(ctx, pause) {
			return StopRequested
		}
	}
	return StopRequested
}

func (e *Engine[T]) idleExceeded() bool {
	return e.cfg.AutoStopOnIdle && e.consecutiveEmpty >= e.cfg.IdleThreshold
}

func (e *Engine[T]) failuresExceeded() bool {
	return e.cfg.FailureThreshold > 0 && e.consecutiveFailures >= uint(e.cfg.FailureThreshold)
}

func (e *Engine[T]) interval() time.Duration {
	if e.consecutiveEmpty >= e.cfg.IdleThreshold {
		return e.cfg.IdleInterval
	}
	return e.cfg.BaseInterval
}

// sleep waits for d or until the engine is stopped; false means stopped.
func (e *Engine[T]) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := e.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Engine[T]) process(ctx context.Context, msg *queue.RecvMessage) {
	e.received++
	begin := e.clock.Now()
	value, err := callDecoder(e.decode, msg.Body)
	if err != nil {
		e.fail(msg, StageDecode, err)
		e.metrics.observeHandled(false, e.clock.Since(begin))
		return
	}
	if err := e.dispatch(value); err != nil {
		e.fail(msg, StageHandle, err)
		e.metrics.observeHandled(false, e.clock.Since(begin))
		return
	}
	e.metrics.observeHandled(true, e.clock.Since(begin))
	e.processed++
	e.consecutiveFailures = 0

	// the handlers already ran, so the ack must not be lost to Stop
	err = e.transport.Delete(context.WithoutCancel(ctx), msg.Handle)
	if err != nil {
		e.metrics.deleteError()
		log.WithFields(log.Fields{
			"event":     "delete_failed",
			"engine":    e.name,
			"messageID": msg.ID,
		}).Warn(err)
		return
	}
	log.WithFields(log.Fields{
		"event":     "message_processed",
		"engine":    e.name,
		"messageID": msg.ID,
	}).Debug("message handled and deleted")
}

func (e *Engine[T]) fail(msg *queue.RecvMessage, stage Stage, err error) {
	e.failed++
	e.consecutiveFailures++
	procErr := &ProcessingError{MessageID: msg.ID, Stage: stage, Err: err}
	e.lastErr = procErr
	log.WithFields(log.Fields{
		"event":     "processing_failed",
		"engine":    e.name,
		"messageID": msg.ID,
		"stage":     string(stage),
		"receives":  msg.ReceiveCount,
		"failures":  e.consecutiveFailures,
	}).Error(err)
	e.report(procErr)
}

// dispatch runs every handler even if an earlier one failed and combines the failures.
func (e *Engine[T]) dispatch(value T) error {
	e.mu.Lock()
	handlers := e.onMessage
	e.mu.Unlock()
	var errs error
	for i, handler := range handlers {
		errs = multierr.Append(errs, callHandler(i, handler, value))
	}
	return errs
}

func callDecoder[T any](decode Decoder[T], body string) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrDecoderPanic, r)
		}
	}()
	return decode(body)
}

func callHandler[T any](i int, handler func(T) error, value T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler %d: %v", ErrHandlerPanic, i, r)
		}
	}()
	return handler(value)
}

// report delivers err to every error handler; a panicking handler is logged and skipped.
func (e *Engine[T]) report(err error) {
	e.mu.Lock()
	handlers := e.onError
	e.mu.Unlock()
	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(log.Fields{
						"event":  "error_handler_panicked",
						"engine": e.name,
					}).Error(r)
				}
			}()
			handler(err)
		}()
	}
}
