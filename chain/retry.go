package chain

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcjson"
)

// retryPolicy is the exponential backoff applied to requests failing at the
// transport level. With the defaults a request is attempted seven times and
// the sleeps add up to 63 seconds.
type retryPolicy struct {
	// limit is the number of retries after the first attempt.
	limit int

	// base is the first backoff, doubled on every retry.
	base time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{limit: RetryLimit, base: time.Second}
}

// withRetry runs call until it succeeds, fails with an error that is not a
// transport error, or runs out of retries. Before every retry, redial is
// invoked if set so the next attempt uses a fresh connection.
//
// Transport failures are returned as *TransportError and any other failure
// as *ServerError unless it already is one of the package's typed errors.
func withRetry[T any](ctx context.Context, p retryPolicy, op string,
	redial func(context.Context) error,
	call func(context.Context) (T, error)) (T, error) {

	var (
		zero    T
		lastErr error
		backoff = p.base
	)
	for attempt := 0; attempt <= p.limit; attempt++ {
		if attempt > 0 {
			log.Debugf("Retrying %s in %v (attempt %d/%d): %v", op,
				backoff, attempt, p.limit, lastErr)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return zero, &TransportError{Op: op, Err: ctx.Err()}
			}
			backoff *= 2

			if redial != nil {
				if err := redial(ctx); err != nil {
					lastErr = err
					continue
				}
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, SocketTimeout)
		res, err := call(callCtx)
		cancel()
		if err == nil {
			return res, nil
		}

		if !isTransportErr(err) {
			return zero, classify(op, err)
		}
		lastErr = err
	}

	return zero, &TransportError{Op: op, Err: lastErr}
}

// classify wraps a non transport error into a *ServerError, leaving errors
// the caller already typed untouched.
func classify(op string, err error) error {
	var (
		serverErr  *ServerError
		genesisErr *GenesisMismatchError
	)
	switch {
	case errors.As(err, &serverErr),
		errors.As(err, &genesisErr),
		errors.Is(err, ErrTipChanged),
		errors.Is(err, ErrTxNotFound):

		return err
	}

	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return &ServerError{Op: op, Code: int(rpcErr.Code), Err: err}
	}

	return &ServerError{Op: op, Err: err}
}
