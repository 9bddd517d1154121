// Package ratelimit enforces the connection, subscription and message rate
// rules: sliding windows for authenticated users and token buckets for
// anonymous IPs.
package ratelimit

import (
	"sync"
	"time"

	"talentpulse/streamer/internal/config"
)

// Class identifies the operation family being limited.
type Class string

const (
	ClassConnection   Class = "connection"
	ClassSubscription Class = "subscription"
	ClassMessage      Class = "message"
)

// Decision reports the limiter verdict and, when denied, how long the caller
// should back off before retrying.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// bucketRetryHint is the fixed backoff suggested when a token bucket runs dry.
const bucketRetryHint = time.Second

type windowKey struct {
	Class Class
	User  string
}

type bucketKey struct {
	Class Class
	IP    string
}

type slidingWindow struct {
	events []time.Time
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

// Limiter owns every per-key limiter state behind one mutex so handler
// goroutines and background sweeps observe a consistent view.
type Limiter struct {
	mu          sync.Mutex
	windowRules map[Class]config.RateWindow
	bucketRules map[Class]config.RateBucket
	windows     map[windowKey]*slidingWindow
	buckets     map[bucketKey]*tokenBucket
	now         func() time.Time
	denied      uint64
}

// New constructs a limiter from the configured per-class rules.
func New(limits config.RateLimits, clock func() time.Time) *Limiter {
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		windowRules: map[Class]config.RateWindow{
			ClassConnection:   limits.UserConnection,
			ClassSubscription: limits.UserSubscription,
			ClassMessage:      limits.UserMessage,
		},
		bucketRules: map[Class]config.RateBucket{
			ClassConnection:   limits.IPConnection,
			ClassSubscription: limits.IPSubscription,
			ClassMessage:      limits.IPMessage,
		},
		windows: make(map[windowKey]*slidingWindow),
		buckets: make(map[bucketKey]*tokenBucket),
		now:     clock,
	}
}

// AllowUser checks and records one operation for an authenticated user under
// the sliding-window rule of the class.
func (l *Limiter) AllowUser(class Class, userID string) Decision {
	if l == nil || userID == "" {
		return Decision{Allowed: true}
	}
	rule, ok := l.windowRules[class]
	if !ok || rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := windowKey{Class: class, User: userID}
	window := l.windows[key]
	if window == nil {
		window = &slidingWindow{}
		l.windows[key] = window
	}

	now := l.now()
	cutoff := now.Add(-rule.Window)
	kept := window.events[:0]
	for _, ts := range window.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	window.events = kept

	if len(window.events) >= rule.Limit {
		l.denied++
		// Retry once the oldest in-window entry ages out.
		retry := window.events[0].Add(rule.Window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retry}
	}
	window.events = append(window.events, now)
	return Decision{Allowed: true}
}

// AllowIP consumes one token from the anonymous IP's bucket for the class.
func (l *Limiter) AllowIP(class Class, ip string) Decision {
	if l == nil || ip == "" {
		return Decision{Allowed: true}
	}
	rule, ok := l.bucketRules[class]
	if !ok || rule.Capacity <= 0 || rule.RatePerSecond <= 0 {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := bucketKey{Class: class, IP: ip}
	bucket := l.buckets[key]
	now := l.now()
	if bucket == nil {
		// Seed new callers with a full bucket so they can burst immediately.
		bucket = &tokenBucket{tokens: rule.Capacity, last: now}
		l.buckets[key] = bucket
	}
	if elapsed := now.Sub(bucket.last).Seconds(); elapsed > 0 {
		bucket.tokens += elapsed * rule.RatePerSecond
		if bucket.tokens > rule.Capacity {
			bucket.tokens = rule.Capacity
		}
	}
	bucket.last = now

	if bucket.tokens < 1 {
		l.denied++
		return Decision{Allowed: false, RetryAfter: bucketRetryHint}
	}
	bucket.tokens--
	return Decision{Allowed: true}
}

// ForgetUser drops every window tracked for the user, releasing memory when
// the user disconnects.
func (l *Limiter) ForgetUser(userID string) {
	if l == nil || userID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, class := range []Class{ClassConnection, ClassSubscription, ClassMessage} {
		delete(l.windows, windowKey{Class: class, User: userID})
	}
}

// ForgetIP drops every bucket tracked for the IP.
func (l *Limiter) ForgetIP(ip string) {
	if l == nil || ip == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, class := range []Class{ClassConnection, ClassSubscription, ClassMessage} {
		delete(l.buckets, bucketKey{Class: class, IP: ip})
	}
}

// Snapshot reports limiter occupancy for the security telemetry endpoint.
type Snapshot struct {
	TrackedUsers   int    `json:"tracked_users"`
	TrackedIPs     int    `json:"tracked_ips"`
	DeniedRequests uint64 `json:"denied_requests"`
}

// Stats summarizes the limiter state.
func (l *Limiter) Stats() Snapshot {
	if l == nil {
		return Snapshot{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	users := make(map[string]struct{}, len(l.windows))
	for key := range l.windows {
		users[key.User] = struct{}{}
	}
	ips := make(map[string]struct{}, len(l.buckets))
	for key := range l.buckets {
		ips[key.IP] = struct{}{}
	}
	return Snapshot{TrackedUsers: len(users), TrackedIPs: len(ips), DeniedRequests: l.denied}
}
