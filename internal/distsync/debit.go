package distsync

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paygate-dev/paygate/internal/gate"
)

// deductScript implements the atomic deduction described in spec.md §4.7:
// read credits/active, refuse on inactive or insufficient, else decrement
// and bump accounting fields in one round-trip.
var deductScript = redis.NewScript(`
local active = redis.call('HGET', KEYS[1], 'active')
if active ~= '1' then
  return -1
end
local credits = tonumber(redis.call('HGET', KEYS[1], 'credits') or '0')
local amount = tonumber(ARGV[1])
if credits < amount then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'credits', -amount)
redis.call('HINCRBY', KEYS[1], 'totalSpent', amount)
redis.call('HINCRBY', KEYS[1], 'totalCalls', 1)
redis.call('HSET', KEYS[1], 'lastUsedAt', ARGV[2])
return 1
`)

// topupScript atomically increments credits without touching totalSpent.
var topupScript = redis.NewScript(`
redis.call('HINCRBY', KEYS[1], 'credits', ARGV[1])
return redis.call('HGET', KEYS[1], 'credits')
`)

// rateCheckScript implements a sliding-window counter via a sorted set:
// expire members older than the window, count, and admit or deny.
var rateCheckScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  return 0
end
redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('PEXPIRE', key, window)
return 1
`)

// Deduct implements gate.Debiter. It runs the atomic script against the
// shared cache; on transport failure it falls back to a local deduction via
// the keystore directly, reporting FellBack so the caller can count it.
func (s *Sync) Deduct(ctx context.Context, fingerprint string, amount int64) (gate.DebitResult, error) {
	res, err := deductScript.Run(ctx, s.client, []string{s.recordKey(fingerprint)}, amount, time.Now().UTC().Format(time.RFC3339)).Int64()
	if err != nil {
		return s.fallbackDeduct(fingerprint, amount)
	}
	switch res {
	case -1:
		return gate.DebitResult{OK: false}, nil
	case 0:
		return gate.DebitResult{OK: false}, nil
	default:
		rec, ok := s.keys.GetKeyRaw(fingerprint)
		if !ok {
			return gate.DebitResult{OK: true}, nil
		}
		remaining := rec.Credits - amount
		s.keys.ApplyCreditsChanged(fingerprint, remaining, rec.TotalSpent+amount, rec.TotalCalls+1)
		return gate.DebitResult{OK: true, RemainingCredits: remaining}, nil
	}
}

func (s *Sync) fallbackDeduct(fingerprint string, amount int64) (gate.DebitResult, error) {
	if err := s.keys.DeductCredits(fingerprint, amount); err != nil {
		return gate.DebitResult{OK: false, FellBack: true}, nil
	}
	rec, _ := s.keys.GetKeyRaw(fingerprint)
	remaining := int64(0)
	if rec != nil {
		remaining = rec.Credits
	}
	return gate.DebitResult{OK: true, FellBack: true, RemainingCredits: remaining}, nil
}

// Topup runs the atomic top-up script, falling back to a local AddCredits on
// transport failure.
func (s *Sync) Topup(ctx context.Context, fingerprint string, amount int64) error {
	if err := topupScript.Run(ctx, s.client, []string{s.recordKey(fingerprint)}, amount).Err(); err != nil {
		if s.metrics != nil {
			s.metrics.DistSyncFallbackTotal.WithLabelValues("topup").Inc()
		}
		return s.keys.AddCredits(fingerprint, amount)
	}
	return nil
}

// RateCheck runs the distributed sliding-window counter. It returns true if
// the call is admitted. On transport failure it fails open (admits) since
// the caller already has a local rate limiter as the primary guard.
func (s *Sync) RateCheck(ctx context.Context, key string, window time.Duration, limit int) bool {
	res, err := rateCheckScript.Run(ctx, s.client, []string{s.prefix + ":rl:" + key},
		float64(time.Now().UnixMilli()), float64(window.Milliseconds()), limit).Int64()
	if err != nil {
		if s.metrics != nil {
			s.metrics.DistSyncFallbackTotal.WithLabelValues("rate_check").Inc()
		}
		return true
	}
	return res == 1
}
