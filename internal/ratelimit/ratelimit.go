// Package ratelimit implements the sliding-window quota service of §4.4.
//
// Canonical counts always come from ApiUsage(success=true) rows in Postgres —
// grounded on rate_limit_service.py's _get_request_count — so a window is
// never more permissive than the audit trail actually recorded. Redis is
// layered in front purely as a cache of those counts between ApiUsage
// writes, the same role it plays for balances in the teacher's ledger
// package: Redis can lag, never lead, the database.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kelpejol/scoring-gateway/internal/apierr"
	"github.com/kelpejol/scoring-gateway/internal/store"
	"github.com/rs/zerolog"
)

// Window names as they appear in diagnostics and status responses.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

type window struct {
	name     string
	duration time.Duration
}

var windows = []window{
	{WindowMinute, time.Minute},
	{WindowHour, time.Hour},
	{WindowDay, 24 * time.Hour},
}

// Limits is the resolved set of per-window limits for one principal, after
// applying key-override-over-user-default precedence.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

func (l Limits) forWindow(w window) int {
	switch w.name {
	case WindowMinute:
		return l.PerMinute
	case WindowHour:
		return l.PerHour
	default:
		return l.PerDay
	}
}

// Status reports per-window usage and remaining headroom, the shape
// get_rate_limit_status in rate_limit_service.py returns.
type Status struct {
	Limits       map[string]int `json:"limits"`
	CurrentUsage map[string]int `json:"current_usage"`
	Remaining    map[string]int `json:"remaining"`
}

// Service checks and reports rate-limit quota. Redis caching is optional: a
// nil client degrades gracefully to querying Postgres on every call.
type Service struct {
	store store.Store
	redis *redis.Client
	log   zerolog.Logger
	ttl   time.Duration
}

func New(s store.Store, redisClient *redis.Client, logger zerolog.Logger) *Service {
	return &Service{
		store: s,
		redis: redisClient,
		log:   logger.With().Str("component", "ratelimit").Logger(),
		ttl:   5 * time.Second,
	}
}

// ResolveLimits applies the key-override-over-user-default precedence rule
// of §4.4 for a single principal.
func ResolveLimits(user *store.User, key *store.APIKey) Limits {
	l := Limits{PerMinute: user.RequestsPerMinute, PerHour: user.RequestsPerHour, PerDay: user.RequestsPerDay}
	if key == nil {
		return l
	}
	if key.RequestsPerMinute != nil {
		l.PerMinute = *key.RequestsPerMinute
	}
	if key.RequestsPerHour != nil {
		l.PerHour = *key.RequestsPerHour
	}
	if key.RequestsPerDay != nil {
		l.PerDay = *key.RequestsPerDay
	}
	return l
}

// Check implements §4.4 check_rate_limit: allowed iff count < limit in every
// window. On the first window to fail it returns that window's apierr
// straight away — callers that only care about allow/deny can test the
// returned error for nil.
func (svc *Service) Check(ctx context.Context, userID string, apiKeyID *int64, limits Limits) error {
	for _, w := range windows {
		limit := limits.forWindow(w)
		if limit <= 0 {
			continue
		}

		count, err := svc.count(ctx, userID, apiKeyID, w)
		if err != nil {
			return apierr.Internal(fmt.Sprintf("rate limit check failed: %v", err))
		}

		if count >= limit {
			return apierr.RateLimited(w.name, count, limit)
		}
	}
	return nil
}

// StatusFor implements §4.4's companion read operation (get_rate_limit_status
// in rate_limit_service.py), used by the `/billing/rate-limit-status` route.
func (svc *Service) StatusFor(ctx context.Context, userID string, apiKeyID *int64, limits Limits) (*Status, error) {
	st := &Status{
		Limits:       map[string]int{},
		CurrentUsage: map[string]int{},
		Remaining:    map[string]int{},
	}

	for _, w := range windows {
		limit := limits.forWindow(w)
		count, err := svc.count(ctx, userID, apiKeyID, w)
		if err != nil {
			return nil, apierr.Internal(fmt.Sprintf("rate limit status failed: %v", err))
		}

		st.Limits[w.name] = limit
		st.CurrentUsage[w.name] = count
		remaining := limit - count
		if remaining < 0 {
			remaining = 0
		}
		st.Remaining[w.name] = remaining
	}

	return st, nil
}

// count resolves the current window count, consulting the Redis cache
// before falling back to the canonical CountUsageSince query.
func (svc *Service) count(ctx context.Context, userID string, apiKeyID *int64, w window) (int, error) {
	cacheKey := svc.cacheKey(userID, apiKeyID, w.name)

	if svc.redis != nil {
		if cached, err := svc.redis.Get(ctx, cacheKey).Int(); err == nil {
			return cached, nil
		} else if err != redis.Nil {
			svc.log.Warn().Err(err).Msg("rate limit cache read failed, falling back to store")
		}
	}

	since := time.Now().UTC().Add(-w.duration)
	count, err := svc.store.CountUsageSince(ctx, userID, apiKeyID, since)
	if err != nil {
		return 0, err
	}

	if svc.redis != nil {
		if err := svc.redis.Set(ctx, cacheKey, count, svc.ttl).Err(); err != nil {
			svc.log.Warn().Err(err).Msg("rate limit cache write failed")
		}
	}

	return count, nil
}

func (svc *Service) cacheKey(userID string, apiKeyID *int64, windowName string) string {
	if apiKeyID != nil {
		return fmt.Sprintf("ratelimit:%s:%d:%s", userID, *apiKeyID, windowName)
	}
	return fmt.Sprintf("ratelimit:%s:-:%s", userID, windowName)
}

// ResolveLimitsForPrincipal fetches a user's default limits and, if
// apiKeyID is non-nil, the owning key's overrides, then applies the
// key-override-over-user-default precedence of §4.4. Shared by the
// rate-limit middleware stage and the rate-limit-status route so both
// resolve the same way.
func (svc *Service) ResolveLimitsForPrincipal(ctx context.Context, userID string, apiKeyID *int64) (Limits, error) {
	user, err := svc.store.GetUserByID(ctx, userID)
	if err != nil {
		return Limits{}, err
	}

	var key *store.APIKey
	if apiKeyID != nil {
		keys, err := svc.store.ListAPIKeys(ctx, userID)
		if err != nil {
			return Limits{}, err
		}
		for i := range keys {
			if keys[i].ID == *apiKeyID {
				key = &keys[i]
				break
			}
		}
	}

	return ResolveLimits(user, key), nil
}

// Invalidate drops the cached counts for a principal. The billing stage
// calls this immediately after a successful ApiUsage insert so the next
// request in the same window sees the incremented count rather than a
// stale cache entry surviving past its short TTL.
func (svc *Service) Invalidate(ctx context.Context, userID string, apiKeyID *int64) {
	if svc.redis == nil {
		return
	}
	for _, w := range windows {
		if err := svc.redis.Del(ctx, svc.cacheKey(userID, apiKeyID, w.name)).Err(); err != nil {
			svc.log.Warn().Err(err).Msg("rate limit cache invalidation failed")
		}
	}
}
