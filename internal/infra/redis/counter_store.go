package redis

import (
	"context"
	"fmt"
	"time"
)

// IncrWindows increments both bucket keys in a single pipelined round
// trip and returns the post-increment counts. TTLs are set only when a
// key is created, so each bucket expires one window length after its
// first request. A read-then-write pair here would race under concurrent
// requests; the pipeline keeps the check-and-charge atomic per key.
func (c *Client) IncrWindows(
	ctx context.Context,
	minuteKey string, minuteTTL time.Duration,
	hourKey string, hourTTL time.Duration,
) (minuteCount, hourCount int64, err error) {
	pipe := c.rdb.Pipeline()
	minuteIncr := pipe.Incr(ctx, minuteKey)
	pipe.ExpireNX(ctx, minuteKey, minuteTTL)
	hourIncr := pipe.Incr(ctx, hourKey)
	pipe.ExpireNX(ctx, hourKey, hourTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("incr windows failed: %w", err)
	}
	return minuteIncr.Val(), hourIncr.Val(), nil
}
