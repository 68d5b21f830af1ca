package poller

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freundallein/sqspoller/chassis/queue"
)

type step struct {
	msg *queue.RecvMessage
	err error
}

// scriptTransport replays steps and then reports an empty queue.
type scriptTransport struct {
	mu        sync.Mutex
	steps     []step
	receives  int
	deleted   []string
	deleteErr error
	onReceive chan int
}

func (s *scriptTransport) Receive(_ context.Context) (*queue.RecvMessage, error) {
	s.mu.Lock()
	s.receives++
	n := s.receives
	var st step
	if len(s.steps) > 0 {
		st = s.steps[0]
		s.steps = s.steps[1:]
	}
	s.mu.Unlock()
	if s.onReceive != nil {
		select {
		case s.onReceive <- n:
		default:
		}
	}
	return st.msg, st.err
}

func (s *scriptTransport) Delete(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, handle)
	return nil
}

func (s *scriptTransport) counts() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receives, append([]string(nil), s.deleted...)
}

func message(n int, body string) step {
	id := strconv.Itoa(n)
	return step{msg: &queue.RecvMessage{ID: id, Body: body, Handle: "h" + id}}
}

func empty() step {
	return step{}
}

type payload struct {
	N int `json:"n"`
}

func newEngine(t *testing.T, cfg PollingConfig, transport queue.Transport, opts ...Option) *Engine[payload] {
	t.Helper()
	e, err := New[payload](cfg, transport, opts...)
	require.NoError(t, err)
	return e
}

// recordSleeps replaces the sleep with a recorder that stops the loop after limit sleeps.
func recordSleeps(e *Engine[payload], limit int) *[]time.Duration {
	sleeps := &[]time.Duration{}
	e.wait = func(_ context.Context, d time.Duration) bool {
		*sleeps = append(*sleeps, d)
		return len(*sleeps) < limit
	}
	return sleeps
}

func ms(values ...int) []time.Duration {
	result := make([]time.Duration, len(values))
	for i, v := range values {
		result[i] = time.Duration(v) * time.Millisecond
	}
	return result
}

var scenarioConfig = PollingConfig{
	BaseInterval:     10 * time.Millisecond,
	IdleInterval:     100 * time.Millisecond,
	IdleThreshold:    2,
	FailureThreshold: -1,
}

func TestScenarioSleepSequence(t *testing.T) {
	transport := &scriptTransport{steps: []step{message(1, `{"n":1}`), empty(), empty(), empty(), empty()}}
	e := newEngine(t, scenarioConfig, transport)
	var handled []int
	e.OnMessage(func(p payload) error {
		handled = append(handled, p.N)
		return nil
	})
	sleeps := recordSleeps(e, 5)

	result, err := e.StartAndWait()
	require.NoError(t, err)

	assert.Equal(t, []int{1}, handled)
	assert.Equal(t, ms(10, 10, 10, 100, 100), *sleeps)
	assert.Equal(t, uint(4), e.consecutiveEmpty)
	assert.Equal(t, uint64(1), result.Received)
	assert.Equal(t, uint64(1), result.Processed)
	receives, deleted := transport.counts()
	assert.Equal(t, 5, receives)
	assert.Equal(t, []string{"h1"}, deleted)
}

func TestScenarioLegacyIdleCount(t *testing.T) {
	cfg := scenarioConfig
	cfg.LegacyIdleCount = true
	transport := &scriptTransport{steps: []step{message(1, `{"n":1}`), empty(), empty(), empty(), empty()}}
	e := newEngine(t, cfg, transport)
	sleeps := recordSleeps(e, 5)

	_, err := e.StartAndWait()
	require.NoError(t, err)

	assert.Equal(t, ms(10, 10, 100, 100, 100), *sleeps)
	assert.Equal(t, uint(5), e.consecutiveEmpty)
}

func TestIdleIntervalUntilMessage(t *testing.T) {
	transport := &scriptTransport{steps: []step{empty(), empty(), empty(), message(1, `{"n":1}`), empty()}}
	e := newEngine(t, scenarioConfig, transport)
	sleeps := recordSleeps(e, 5)

	_, err := e.StartAndWait()
	require.NoError(t, err)
	assert.Equal(t, ms(10, 10, 100, 10, 10), *sleeps)
}

func TestAutoStopOnIdle(t *testing.T) {
	cfg := scenarioConfig
	cfg.AutoStopOnIdle = true
	transport := &scriptTransport{}
	e := newEngine(t, cfg, transport)
	sleeps := recordSleeps(e, 100)

	result, err := e.StartAndWait()
	require.NoError(t, err)

	assert.Equal(t, StopIdle, result.Reason)
	assert.NoError(t, result.Err)
	receives, _ := transport.counts()
	assert.Equal(t, 2, receives)
	assert.Equal(t, ms(10), *sleeps)
	assert.False(t, e.Running())
}

func TestAutoStopOnIdleLegacy(t *testing.T) {
	cfg := scenarioConfig
	cfg.AutoStopOnIdle = true
	cfg.LegacyIdleCount = true
	transport := &scriptTransport{}
	e := newEngine(t, cfg, transport)
	recordSleeps(e, 100)

	result, err := e.StartAndWait()
	require.NoError(t, err)

	assert.Equal(t, StopIdle, result.Reason)
	receives, _ := transport.counts()
	assert.Equal(t, 3, receives)
}

func TestFailureThresholdStopsLoop(t *testing.T) {
	cfg := scenarioConfig
	cfg.FailureThreshold = 3
	transport := &scriptTransport{steps: []step{
		message(1, `{"n":1}`),
		message(2, `{"n":2}`),
		message(3, `{"n":3}`),
		message(4, `{"n":4}`),
	}}
	e := newEngine(t, cfg, transport)
	e.OnMessage(func(p payload) error {
		return errors.New("boom " + strconv.Itoa(p.N))
	})
	var reported []error
	e.OnError(func(err error) {
		reported = append(reported, err)
	})
	recordSleeps(e, 100)

	result, err := e.StartAndWait()
	require.NoError(t, err)

	assert.Equal(t, StopFailureThreshold, result.Reason)
	assert.Equal(t, uint64(3), result.Failed)
	receives, deleted := transport.counts()
	assert.Equal(t, 3, receives)
	assert.Empty(t, deleted)
	require.Len(t, reported, 3)

	var procErr *ProcessingError
	require.ErrorAs(t, result.Err, &procErr)
	assert.Equal(t, "3", procErr.MessageID)
	assert.Equal(t, StageHandle, procErr.Stage)
	assert.EqualError(t, procErr.Err, "boom 3")
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cfg := scenarioConfig
	cfg.FailureThreshold = 2
	cfg.AutoStopOnIdle = true
	transport := &scriptTransport{steps: []step{
		message(1, `bad`),
		message(2, `{"n":2}`),
		message(3, `bad`),
		message(4, `{"n":4}`),
	}}
	e := newEngine(t, cfg, transport)
	recordSleeps(e, 100)

	result, err := e.StartAndWait()
	require.NoError(t, err)

	assert.Equal(t, StopIdle, result.Reason)
	assert.Equal(t, uint64(4), result.Received)
	assert.Equal(t, uint64(2), result.Processed)
	assert.Equal(t, uint64(2), result.Failed)
	_, deleted := transport.counts()
	assert.Equal(t, []string{"h2", "h4"}, deleted)
}

func TestDeleteIffHandled(t *testing.T) {
	cfg := scenarioConfig
	cfg.AutoStopOnIdle = true
	cfg.IdleThreshold = 3
	transport := &scriptTransport{steps: []step{
		message(1, `{"n":1}`),
		empty(),
		message(2, `not json`),
		message(3, `{"n":2}`),
		message(4, `{"n":3}`),
		message(5, `{"n":5}`),
		empty(),
		message(6, `{"n":6}`),
	}}
	e := newEngine(t, cfg, transport)
	var handled []int
	e.OnMessage(func(p payload) error {
		if p.N%2 == 0 {
			return errors.New("even")
		}
		handled = append(handled, p.N)
		return nil
	})
	var stages []Stage
	e.OnError(func(err error) {
		var procErr *ProcessingError
		if errors.As(err, &procErr) {
			stages = append(stages, procErr.Stage)
		}
	})
	recordSleeps(e, 100)

	result, err := e.StartAndWait()
	require.NoError(t, err)

	assert.Equal(t, StopIdle, result.Reason)
	assert.Equal(t, []int{1, 3, 5}, handled)
	assert.Equal(t, []Stage{StageDecode, StageHandle, StageHandle, StageHandle}, stages)
	_, deleted := transport.counts()
	assert.Equal(t, []string{"h1", "h4", "h5"}, deleted)
	assert.Equal(t, uint64(len(handled)), result.Processed)
}

func TestAllHandlersRunAndPanicsAreRecovered(t *testing.T) {
	cfg := scenarioConfig
	cfg.AutoStopOnIdle = true
	transport := &scriptTransport{steps: []step{message(1, `{"n":1}`)}}
	e := newEngine(t, cfg, transport)
	var calls []string
	e.OnMessage(func(payload) error {
		calls = append(calls, "first")
		panic("nil map")
	})
	e.OnMessage(func(payload) error {
		calls = append(calls, "second")
		return errors.New("second failed")
	})
	e.OnMessage(func(payload) error {
		calls = append(calls, "third")
		return nil
	})
	var reported []error
	e.OnError(func(err error) {
		panic("broken error handler")
	})
	e.OnError(func(err error) {
		reported = append(reported, err)
	})
	recordSleeps(e, 100)

	result, err := e.StartAndWait()
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second", "third"}, calls)
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], ErrHandlerPanic)
	assert.Contains(t, reported[0].Error(), "second failed")
	assert.Equal(t, uint64(1), result.Failed)
	_, deleted := transport.counts()
	assert.Empty(t, deleted)
}

func TestTransportErrorsAreReportedNotCounted(t *testing.T) {
	cfg := scenarioConfig
	cfg.FailureThreshold = 1
	cfg.AutoStopOnIdle = true
	cfg.IdleThreshold = 3
	outage := errors.New("connection reset")
	transport := &scriptTransport{steps: []step{
		{err: outage},
		{err: outage},
		message(1, `{"n":1}`),
	}}
	e := newEngine(t, cfg, transport)
	var reported []error
	e.OnError(func(err error) {
		reported = append(reported, err)
	})
	recordSleeps(e, 100)

	result, err := e.StartAndWait()
	require.NoError(t, err)

	assert.Equal(t, StopIdle, result.Reason)
	require.Len(t, reported, 2)
	var transportErr *TransportError
	require.ErrorAs(t, reported[0], &transportErr)
	assert.Equal(t, "receive", transportErr.Op)
	assert.ErrorIs(t, reported[1], outage)
	_, deleted := transport.counts()
	assert.Equal(t, []string{"h1"}, deleted)
}

func TestDeleteFailureIsNotAProcessingFailure(t *testing.T) {
	cfg := scenarioConfig
	cfg.FailureThreshold = 1
	cfg.AutoStopOnIdle = true
	transport := &scriptTransport{
		steps:     []step{message(1, `{"n":1}`), message(2, `{"n":2}`)},
		deleteErr: errors.New("receipt handle expired"),
	}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")
	e := newEngine(t, cfg, transport, WithMetrics(metrics), WithName("test"))
	var reported []error
	e.OnError(func(err error) {
		reported = append(reported, err)
	})
	recordSleeps(e, 100)

	result, err := e.StartAndWait()
	require.NoError(t, err)

	assert.Equal(t, StopIdle, result.Reason)
	assert.Equal(t, uint64(2), result.Processed)
	assert.Empty(t, reported)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.deleteErrors))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.processed))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.received))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.emptyPolls))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.stops.WithLabelValues("idle")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.running))
}

func TestStopWhileSleeping(t *testing.T) {
	cfg := PollingConfig{
		BaseInterval:     time.Hour,
		IdleInterval:     time.Hour,
		IdleThreshold:    1,
		FailureThreshold: -1,
	}
	transport := &scriptTransport{onReceive: make(chan int, 1)}
	e := newEngine(t, cfg, transport, WithClock(clock.NewMock()))

	require.NoError(t, e.Start())
	assert.True(t, e.Running())
	select {
	case <-transport.onReceive:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not poll")
	}

	stopped := make(chan Result, 1)
	go func() {
		stopped <- e.Stop()
	}()
	select {
	case result := <-stopped:
		assert.Equal(t, StopRequested, result.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while the engine was sleeping")
	}

	assert.False(t, e.Running())
	receives, _ := transport.counts()
	assert.Equal(t, 1, receives)
	select {
	case <-e.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}
}

func TestStopWithRealClock(t *testing.T) {
	cfg := PollingConfig{
		BaseInterval:     time.Millisecond,
		IdleInterval:     time.Millisecond,
		FailureThreshold: -1,
	}
	transport := &scriptTransport{}
	e := newEngine(t, cfg, transport)
	require.NoError(t, e.Start())
	time.Sleep(20 * time.Millisecond)
	e.Stop()

	receives, _ := transport.counts()
	time.Sleep(20 * time.Millisecond)
	after, _ := transport.counts()
	assert.Equal(t, receives, after)
}

func TestLifecycle(t *testing.T) {
	transport := &scriptTransport{}
	e := newEngine(t, scenarioConfig, transport, WithClock(clock.NewMock()))

	assert.Equal(t, Result{}, e.Stop(), "stop before start is a no-op")
	assert.Equal(t, Result{}, e.Wait())

	require.NoError(t, e.Start())
	assert.ErrorIs(t, e.Start(), ErrAlreadyStarted)

	first := e.Stop()
	second := e.Stop()
	assert.Equal(t, first, second)

	assert.ErrorIs(t, e.Start(), ErrAlreadyStarted)
	_, err := e.StartAndWait()
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestRequestStopFromHandler(t *testing.T) {
	transport := &scriptTransport{steps: []step{message(1, `{"n":1}`), message(2, `{"n":2}`)}}
	e := newEngine(t, scenarioConfig, transport)
	e.OnMessage(func(payload) error {
		e.RequestStop()
		return nil
	})

	result, err := e.StartAndWait()
	require.NoError(t, err)

	assert.Equal(t, StopRequested, result.Reason)
	receives, deleted := transport.counts()
	assert.Equal(t, 1, receives)
	assert.Equal(t, []string{"h1"}, deleted, "the ack survives the stop request")
}

func TestCustomDecoder(t *testing.T) {
	cfg := scenarioConfig
	cfg.AutoStopOnIdle = true
	transport := &scriptTransport{steps: []step{message(1, `42`), message(2, `x`)}}
	e, err := New[int](cfg, transport, WithDecoder(strconv.Atoi))
	require.NoError(t, err)
	var values []int
	e.OnMessage(func(v int) error {
		values = append(values, v)
		return nil
	})
	e.wait = func(context.Context, time.Duration) bool { return true }

	result, err := e.StartAndWait()
	require.NoError(t, err)
	assert.Equal(t, []int{42}, values)
	assert.Equal(t, uint64(1), result.Failed)
}

func TestDecoderPanicIsRecovered(t *testing.T) {
	cfg := scenarioConfig
	cfg.AutoStopOnIdle = true
	transport := &scriptTransport{steps: []step{message(1, `1`), message(2, `2`)}}
	e, err := New[int](cfg, transport, WithDecoder(func(body string) (int, error) {
		if body == "1" {
			var seen map[string]int
			seen[body]++
		}
		return strconv.Atoi(body)
	}))
	require.NoError(t, err)
	var values []int
	e.OnMessage(func(v int) error {
		values = append(values, v)
		return nil
	})
	var reported []error
	e.OnError(func(err error) {
		reported = append(reported, err)
	})
	e.wait = func(context.Context, time.Duration) bool { return true }

	result, err := e.StartAndWait()
	require.NoError(t, err)

	assert.Equal(t, StopIdle, result.Reason)
	assert.Equal(t, []int{2}, values)
	require.Len(t, reported, 1)
	var procErr *ProcessingError
	require.ErrorAs(t, reported[0], &procErr)
	assert.Equal(t, StageDecode, procErr.Stage)
	assert.Equal(t, "1", procErr.MessageID)
	assert.ErrorIs(t, reported[0], ErrDecoderPanic)
	assert.Equal(t, uint64(1), result.Failed)
	_, deleted := transport.counts()
	assert.Equal(t, []string{"h2"}, deleted)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New[int](scenarioConfig, &scriptTransport{}, WithDecoder(func(string) (string, error) { return "", nil }))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New[int](scenarioConfig, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad := scenarioConfig
	bad.IdleInterval = time.Millisecond
	_, err = New[int](bad, &scriptTransport{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
