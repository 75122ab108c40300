// Package ratelimit throttles outbound operator actions with in-process token
// buckets, one per rule and identifier. A bucket holds Limit tokens and refills
// completely over Window, so bursts up to Limit are allowed.
package ratelimit

import (
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rule defines a rate limiting policy: a key prefix naming the action, the
// number of actions allowed per window and the window duration.
type Rule struct {
	Key    string        // bucket prefix (e.g. "rl:msg:", "rl:accept:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Standard rate limiting rules for console actions.
var (
	// RuleMessage allows 20 messages per 10 seconds per session.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleAccept allows 10 accept attempts per minute per agent.
	RuleAccept = Rule{Key: "rl:accept:", Limit: 10, Window: time.Minute}
)

// Every returns the bucket refill interval of the rule.
func (r Rule) Every() rate.Limit {
	if r.Limit <= 0 || r.Window <= 0 {
		return rate.Inf
	}
	return rate.Every(r.Window / time.Duration(r.Limit))
}

// Limiter holds token buckets keyed by rule and identifier.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLimiter creates an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*rate.Limiter)}
}

// Allow reports whether one more action for identifier fits the rule now and
// consumes a token if it does.
func (l *Limiter) Allow(identifier string, rule Rule) bool {
	return l.AllowAt(identifier, rule, time.Now())
}

// AllowAt is Allow evaluated at t.
func (l *Limiter) AllowAt(identifier string, rule Rule, t time.Time) bool {
	ok := l.bucket(identifier, rule).AllowN(t, 1)
	if !ok {
		log.Printf("[ratelimit] limit reached key=%s%s", rule.Key, identifier)
	}
	return ok
}

// Forget drops the bucket of identifier, e.g. when its session closes.
func (l *Limiter) Forget(identifier string, rule Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, rule.Key+identifier)
}

func (l *Limiter) bucket(identifier string, rule Rule) *rate.Limiter {
	key := rule.Key + identifier

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		burst := rule.Limit
		if burst <= 0 {
			burst = 1
		}
		b = rate.NewLimiter(rule.Every(), burst)
		l.buckets[key] = b
	}
	return b
}
