package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Reconcile walks every cached window counter currently in Redis and
// corrects drift against the canonical ApiUsage count in Postgres.
//
// Adapted from the teacher's internal/sync package: PostgreSQL is always
// the source of truth. A cached count can drift above the canonical one
// once old rows age out of the window, and Check would then reject
// requests the canonical count allows. Reconcile overwrites any cached
// count that exceeds the canonical one. It never raises a cached count: a
// too-low entry, which lets requests through until it expires after the
// cache TTL or the billing stage invalidates it, is left as it is.
//
// Reconcile does not attempt a full startup sweep the way the teacher's
// Syncer.InitializeRedis does: that package preloaded every customer
// balance because every customer has exactly one row to preload. Window
// counters have no such fixed population (they come and go with traffic),
// so a periodic pass over whatever keys are already cached is the
// equivalent drift-correction step for this domain.
func (svc *Service) Reconcile(ctx context.Context) (checked, corrected int, err error) {
	if svc.redis == nil {
		return 0, 0, nil
	}

	iter := svc.redis.Scan(ctx, 0, "ratelimit:*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		userID, apiKeyID, windowName, ok := parseCacheKey(key)
		if !ok {
			continue
		}

		w, ok := windowByName(windowName)
		if !ok {
			continue
		}

		cached, getErr := svc.redis.Get(ctx, key).Int()
		if getErr != nil {
			continue
		}
		checked++

		since := time.Now().UTC().Add(-w.duration)
		canonical, countErr := svc.store.CountUsageSince(ctx, userID, apiKeyID, since)
		if countErr != nil {
			svc.log.Warn().Err(countErr).Str("key", key).Msg("reconcile: canonical count lookup failed")
			continue
		}

		if cached > canonical {
			if setErr := svc.redis.Set(ctx, key, canonical, svc.ttl).Err(); setErr != nil {
				svc.log.Warn().Err(setErr).Str("key", key).Msg("reconcile: cache correction failed")
				continue
			}
			corrected++
		}
	}
	if iterErr := iter.Err(); iterErr != nil {
		return checked, corrected, iterErr
	}

	return checked, corrected, nil
}

// parseCacheKey reverses cacheKey's "ratelimit:<userID>:<apiKeyID|->:<window>"
// format.
func parseCacheKey(key string) (userID string, apiKeyID *int64, windowName string, ok bool) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) != 4 || parts[0] != "ratelimit" {
		return "", nil, "", false
	}

	userID = parts[1]
	windowName = parts[3]
	if parts[2] == "-" {
		return userID, nil, windowName, true
	}

	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", nil, "", false
	}
	return userID, &id, windowName, true
}

func windowByName(name string) (window, bool) {
	for _, w := range windows {
		if w.name == name {
			return w, true
		}
	}
	return window{}, false
}
