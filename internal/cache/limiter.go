package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"
	"moff.io/moff-vault/pkg/errors"
)

// ConnectLimiter caps how often one user may ask for a connect link.
type ConnectLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

func NewConnectLimiter(cli *redis.Client, perMinute int) *ConnectLimiter {
	return &ConnectLimiter{
		limiter: redis_rate.NewLimiter(cli),
		limit:   redis_rate.PerMinute(perMinute),
	}
}

// Allow reports whether userID may proceed, and otherwise how long to wait.
func (l *ConnectLimiter) Allow(ctx context.Context, userID string) (bool, time.Duration, error) {
	res, err := l.limiter.Allow(ctx, "connect:"+userID, l.limit)
	if err != nil {
		return false, 0, errors.WrapAndReport(err, "connect rate limit")
	}
	return res.Allowed > 0, res.RetryAfter, nil
}
