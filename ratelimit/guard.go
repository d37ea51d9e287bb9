package ratelimit

import (
	"context"
	"log/slog"
)

// Guard limits failed authentication attempts per key. Successful
// attempts cost nothing; each failure spends one attempt from the key's
// budget, and once the budget is spent every attempt is refused until it
// refills.
type Guard struct {
	limiter Limiter
	logger  *slog.Logger
}

// NewGuard creates a Guard over limiter.
func NewGuard(limiter Limiter, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Guard{limiter: limiter, logger: logger}
}

// Check returns ErrRateLimited when key has no attempts left. Limiter
// errors are logged and the attempt is let through.
func (g *Guard) Check(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	exhausted, err := g.limiter.Exhausted(ctx, key)
	if err != nil {
		g.logger.Warn("failure limiter unavailable", "key", key, "error", err)
		return nil
	}
	if exhausted {
		g.logger.Debug("attempt refused", "key", key)
		return ErrRateLimited
	}
	return nil
}

// Fail records a failed attempt for key.
func (g *Guard) Fail(ctx context.Context, key string) {
	if key == "" {
		return
	}
	allowed, err := g.limiter.Allow(ctx, key)
	if err != nil {
		g.logger.Warn("failure limiter unavailable", "key", key, "error", err)
		return
	}
	if !allowed {
		g.logger.Info("failed attempt budget exhausted", "key", key)
	}
}

// Reset clears the failure budget for key.
func (g *Guard) Reset(ctx context.Context, key string) error {
	return g.limiter.Reset(ctx, key)
}

// Close closes the underlying limiter.
func (g *Guard) Close() error {
	return g.limiter.Close()
}
