package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LockOptions bound how long UpdateBook waits for the per-user lock.
type LockOptions struct {
	Timeout       time.Duration
	RetryInterval time.Duration
}

// DefaultLockOptions returns a 5s ceiling with 50ms initial retry.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Timeout:       5 * time.Second,
		RetryInterval: 50 * time.Millisecond,
	}
}

func (o LockOptions) withDefaults() LockOptions {
	def := DefaultLockOptions()
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = def.RetryInterval
	}
	return o
}

var errBusy = errors.New("lock busy")

// withRetry calls try until it acquires, backing off exponentially between
// attempts. try reports whether it got the lock; a non-nil error from try
// stops the loop and is returned as is.
func withRetry(ctx context.Context, opts LockOptions, userID string, try func() (bool, error)) error {
	opts = opts.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.RetryInterval
	b.MaxInterval = 10 * opts.RetryInterval
	b.MaxElapsedTime = opts.Timeout

	err := backoff.Retry(func() error {
		ok, err := try()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errBusy
		}
		return nil
	}, backoff.WithContext(b, ctx))

	if errors.Is(err, errBusy) {
		return fmt.Errorf("%w: user %s after %s", ErrLockTimeout, userID, opts.Timeout)
	}
	return err
}

// keyedMutex hands out one mutex per user id.
type keyedMutex struct {
	locks sync.Map
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	m, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	return m.(*sync.Mutex)
}
