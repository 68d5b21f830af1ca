package monkey

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/freundallein/sqspoller/chassis/queue"
)

// ErrMonkey is the injected failure.
var ErrMonkey = errors.New("monkey error")

// Monkey with some probability turns a nil error into ErrMonkey.
type Monkey struct {
	mu     sync.Mutex
	chance float64
	rnd    *rand.Rand
}

// New returns a Monkey failing with the given probability (0 disables it).
func New(chance float64, seed int64) *Monkey {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Monkey{
		chance: chance,
		rnd:    rand.New(rand.NewSource(seed)),
	}
}

// RandomizeError with some probability generates a random "monkey" error.
func (m *Monkey) RandomizeError(err error) error {
	if err != nil || m == nil || m.chance <= 0 {
		return err
	}
	m.mu.Lock()
	roll := m.rnd.Float64()
	m.mu.Unlock()
	if roll >= m.chance {
		return nil
	}
	return ErrMonkey
}

// Transport wraps a queue transport and randomly fails its calls.
// A failed Receive drops nothing: the message was never taken.
type Transport struct {
	queue.Transport
	monkey *Monkey
}

// Wrap ...
func Wrap(t queue.Transport, m *Monkey) *Transport {
	return &Transport{Transport: t, monkey: m}
}

// Receive ...
func (t *Transport) Receive(ctx context.Context) (*queue.RecvMessage, error) {
	if err := t.monkey.RandomizeError(nil); err != nil {
		return nil, err
	}
	return t.Transport.Receive(ctx)
}

// Delete ...
func (t *Transport) Delete(ctx context.Context, handle string) error {
	if err := t.monkey.RandomizeError(nil); err != nil {
		return err
	}
	return t.Transport.Delete(ctx, handle)
}
