package muxnet

import (
	"context"
	"io"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/logger"
)

// Redialer establishes a carrier with jittered exponential backoff between
// attempts, in the manner of a reconnecting tunnel client.
type Redialer struct {
	logger.Logger

	// Dial attempts one carrier connection.
	Dial func(ctx context.Context) (io.ReadWriteCloser, error)

	// MaxRetryInterval caps the backoff delay between attempts.
	MaxRetryInterval time.Duration

	// MaxRetryCount limits retries after the first failure; negative means
	// retry forever.
	MaxRetryCount int
}

// NewRedialer creates a Redialer around dial.
func NewRedialer(lg logger.Logger, dial func(ctx context.Context) (io.ReadWriteCloser, error), maxRetryInterval time.Duration, maxRetryCount int) *Redialer {
	return &Redialer{
		Logger:           lg.ForkLogStr("<Redialer>"),
		Dial:             dial,
		MaxRetryInterval: maxRetryInterval,
		MaxRetryCount:    maxRetryCount,
	}
}

// DialContext dials until a carrier is established, the retry budget is
// exhausted, or ctx is done. It returns the last connection error when
// giving up.
func (rd *Redialer) DialContext(ctx context.Context) (io.ReadWriteCloser, error) {
	b := &backoff.Backoff{Max: rd.MaxRetryInterval, Jitter: true}
	var connerr error
	for {
		if connerr != nil {
			attempt := int(b.Attempt())
			d := b.Duration()
			rd.DLogf("Connection error: %s (attempt %d)", connerr, attempt)
			if rd.MaxRetryCount >= 0 && attempt >= rd.MaxRetryCount {
				return nil, connerr
			}
			rd.ILogf("Retrying in %s...", d)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
			}
			connerr = nil
		}
		carrier, err := rd.Dial(ctx)
		if err != nil {
			connerr = err
			continue
		}
		return carrier, nil
	}
}
