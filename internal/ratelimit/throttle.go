package ratelimit

import "context"

// Throttle paces calls to an upstream that enforces its own send rate.
type Throttle interface {
	Allow(ctx context.Context, scope string) (bool, error)
	Wait(ctx context.Context, scope string) error
}
