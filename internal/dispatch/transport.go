// Package dispatch renders, personalizes, and delivers campaign email, one
// provider call per recipient, with failures isolated per recipient.
package dispatch

import "context"

// Transport delivers one fully built RFC 5322 message to one recipient and
// returns the provider's message id.
type Transport interface {
	// Send must wrap authentication failures in ErrAuth so the dispatcher
	// can refresh credentials and retry exactly once.
	Send(ctx context.Context, from, to string, raw []byte) (string, error)

	// Name identifies the provider in logs and results.
	Name() string
}
