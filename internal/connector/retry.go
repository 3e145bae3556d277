package connector

import (
	"context"
	"math/rand"
	"time"

	"memloop/internal/logging"
)

// Retry policy for transient connector failures.
const (
	retryAttempts  = 3
	retryBaseDelay = 500 * time.Millisecond
)

// Fetcher wraps a connector with the shared cache and retry policy.
type Fetcher struct {
	cache *Cache
	sleep func(context.Context, time.Duration) error
}

// NewFetcher creates a Fetcher over the given cache. Panics if cache is nil.
func NewFetcher(cache *Cache) *Fetcher {
	if cache == nil {
		panic("cache is nil")
	}

	return &Fetcher{cache: cache, sleep: sleepCtx}
}

// Fetch returns the response for id, serving repeats from the cache.
//
// On a retriable failure it backs off exponentially with ±50% jitter and
// tries again, up to the bounded attempt count. Permanent failures surface
// immediately.
func (f *Fetcher) Fetch(ctx context.Context, conn Connector, id string) (Response, error) {
	cached, ok := f.cache.Get(conn.Name(), id)
	if ok {
		return cached, nil
	}

	var lastErr error

	delay := retryBaseDelay

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		response, err := conn.FetchByID(ctx, id)
		if err == nil {
			f.cache.Put(conn.Name(), id, response)

			return response, nil
		}

		lastErr = err

		if !Retriable(err) || attempt == retryAttempts {
			break
		}

		log := logging.With("connector")
		log.Debug().
			Str("connector", conn.Name()).
			Str("id", id).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient fetch failure, retrying")

		sleepErr := f.sleep(ctx, jitter(delay))
		if sleepErr != nil {
			return nil, sleepErr
		}

		delay *= 2
	}

	return nil, lastErr
}

// jitter spreads d over [0.5d, 1.5d] so synchronized retries fan out.
func jitter(d time.Duration) time.Duration {
	half := int64(d) / 2

	return time.Duration(half + rand.Int63n(int64(d)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
