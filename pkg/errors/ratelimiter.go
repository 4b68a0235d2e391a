package errors

import (
	"sync"
	"time"
)

// rateLimiter suppresses repeated reports from the same call site.
type rateLimiter struct {
	lock   sync.Mutex
	silent time.Duration
	now    func() time.Time
	sites  map[string]*siteStats
}

func newRateLimiter(silent time.Duration) *rateLimiter {
	return &rateLimiter{
		silent: silent,
		now:    time.Now,
		sites:  map[string]*siteStats{},
	}
}

type siteStats struct {
	total                 int
	suppressedSinceReport int
	lastReportTime        *time.Time
}

func (s siteStats) snapshot() siteStats {
	return s
}

// Limited records an occurrence at site and tells whether it must be dropped.
// The returned stats describe the site before this occurrence.
func (b *rateLimiter) Limited(site string) (bool, siteStats) {
	b.lock.Lock()
	defer b.lock.Unlock()
	stats := b.sites[site]
	if stats == nil {
		stats = &siteStats{}
		b.sites[site] = stats
	}
	before := stats.snapshot()
	stats.total++
	now := b.now()
	if stats.lastReportTime != nil && now.Sub(*stats.lastReportTime) < b.silent {
		stats.suppressedSinceReport++
		return true, before
	}
	stats.suppressedSinceReport = 0
	stats.lastReportTime = &now
	return false, before
}
