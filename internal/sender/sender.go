// Package sender delivers normalized records to a backend.
//
// HTTPSender is the primary sink. RedisSender and MQTTSender satisfy the same
// contract for deployments that stage records in a list or a broker topic.
package sender

import (
	"context"
	"time"
)

// Sender delivers one record. Implementations are safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, body string) error
}

// TokenSource supplies a bearer token per request. An empty token means the
// request is sent without an Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// RetryTransient runs fn once and then once more after each delay, as long as
// the failure is transient. Non-transient errors and context cancellation
// end the loop immediately.
func RetryTransient(ctx context.Context, fn func(ctx context.Context) error, delays []time.Duration) error {
	err := fn(ctx)
	for _, d := range delays {
		if err == nil || !IsTransient(err) {
			return err
		}

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		err = fn(ctx)
	}
	return err
}
