package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the window counter and attaches the window
// TTL in a single atomic evaluation inside Redis. Doing this server-side is
// the load-bearing choice: a read-then-write from many gateway instances
// would admit more requests than the limit under concurrency.
// KEYS[1] = bucket key, ARGV[1] = window length in seconds.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("TTL", KEYS[1])
if ttl < 0 then
    redis.call("EXPIRE", KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// Decision is the outcome of a limit check. When Allowed is false,
// RetryAfter tells the caller when the current window expires.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a fixed-window counter evaluated atomically by Redis.
//
// Policy is fail-closed: if the store cannot evaluate the check, the call is
// denied. Failing open would disable the limiter on exactly the failure path
// where abuse is most likely to go unnoticed.
type Limiter struct {
	client redis.Scripter
	prefix string
}

func NewLimiter(client redis.Scripter) *Limiter {
	return &Limiter{client: client, prefix: "ratelimit"}
}

// Check atomically increments the counter for subjectKey's current window
// and compares it against limit. subjectKey composes the limited dimension,
// e.g. "conn:10.0.0.9" or "action:conn-abc".
func (l *Limiter) Check(ctx context.Context, subjectKey string, limit int, window time.Duration) Decision {
	key := fmt.Sprintf("%s:%s", l.prefix, subjectKey)
	windowSecs := int(window / time.Second)
	if windowSecs < 1 {
		windowSecs = 1
	}

	res, err := fixedWindowScript.Run(ctx, l.client, []string{key}, windowSecs).Result()
	if err != nil {
		log.Printf("ratelimit: store check failed for %s, denying: %v", subjectKey, err)
		return Decision{Allowed: false, RetryAfter: window}
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		log.Printf("ratelimit: unexpected script reply for %s, denying", subjectKey)
		return Decision{Allowed: false, RetryAfter: window}
	}
	count, countOK := values[0].(int64)
	ttl, ttlOK := values[1].(int64)
	if !countOK || !ttlOK {
		log.Printf("ratelimit: unexpected script reply types for %s, denying", subjectKey)
		return Decision{Allowed: false, RetryAfter: window}
	}

	if count > int64(limit) {
		return Decision{Allowed: false, RetryAfter: time.Duration(ttl) * time.Second}
	}
	return Decision{Allowed: true, Remaining: limit - int(count)}
}
