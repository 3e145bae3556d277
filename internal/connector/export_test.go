package connector

import (
	"context"
	"time"
)

// WithSleep replaces the backoff sleep so retry tests run instantly.
func (f *Fetcher) WithSleep(fn func(context.Context, time.Duration) error) *Fetcher {
	f.sleep = fn

	return f
}
