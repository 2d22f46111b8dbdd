package dispatch

import "errors"

var (
	// ErrAuth marks a provider rejection of our credentials. The dispatch
	// loop responds with a single serialized token refresh and one retry;
	// any other error fails only the recipient being sent.
	ErrAuth = errors.New("dispatch: provider rejected credentials")

	// ErrThrottled marks a send blocked by the outbound rate limiter.
	ErrThrottled = errors.New("dispatch: rate limit reached")

	// ErrNoRecipients is returned for a dispatch request with an empty
	// recipient list.
	ErrNoRecipients = errors.New("dispatch: no recipients")
)
