package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrUnavailable = errors.New("rate limit store unavailable")

type Config struct {
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"window"`
}

type Decision struct {
	Limit      int
	Remaining  int
	RetryAfter int // seconds
	Allowed    bool
}

// Limiter is a windowed counter over Redis. The window starts at the
// first request for a key and resets when the key expires.
type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// INCR and set the expiry atomically so concurrent first requests
// cannot leave an immortal key.
var incrScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

func (l *Limiter) Check(ctx context.Context, key string, cfg Config) (*Decision, error) {
	count, err := incrScript.Run(ctx, l.client, []string{"rl:" + key}, cfg.Window.Milliseconds()).Int()
	if err != nil {
		return nil, ErrUnavailable
	}

	remaining := cfg.Rate - count
	if remaining < 0 {
		remaining = 0
	}
	return &Decision{
		Limit:      cfg.Rate,
		Remaining:  remaining,
		RetryAfter: int(cfg.Window.Seconds()),
		Allowed:    count <= cfg.Rate,
	}, nil
}
