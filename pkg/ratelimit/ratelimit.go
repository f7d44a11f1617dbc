// Package ratelimit admits or rejects requests per (client key, endpoint
// class). Every gate answers with a tagged Decision so the fail-closed policy
// is a type-level property: there is no error path a caller can accidentally
// treat as "allowed".
package ratelimit

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"
)

// Outcome is the tagged result of an admission attempt.
type Outcome int

const (
	// Allowed admits the request.
	Allowed Outcome = iota
	// Denied rejects it: the window limit is spent.
	Denied
	// Unavailable rejects it: the backing store could not answer. Never
	// silently mapped to Allowed.
	Unavailable
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Decision reports an admission outcome with enough detail for Retry-After
// headers and operator logs.
type Decision struct {
	Outcome    Outcome
	Limit      int
	Remaining  int
	RetryAfter time.Duration

	// Err carries the store failure behind an Unavailable outcome so
	// operators can tell infrastructure degradation from abuse. Nil
	// otherwise.
	Err error
}

// Limiter is the admission contract shared by the redis and in-process
// implementations.
type Limiter interface {
	// Acquire atomically counts this request against (key, class) and
	// decides. Two concurrent calls never observe the same pre-increment
	// count.
	Acquire(ctx context.Context, key string, class Class) Decision
}

// Class is a rate-limit policy grouping. Authentication endpoints get their
// own tight budgets; everything else shares ClassDefault.
type Class string

const (
	ClassLogin    Class = "login"
	ClassRegister Class = "register"
	ClassRefresh  Class = "refresh"
	ClassDefault  Class = "default"
)

// Policy is the budget for one endpoint class.
type Policy struct {
	// Limit is the number of requests allowed per Window.
	Limit int
	// Window is the sliding window size.
	Window time.Duration
	// MaxBackoffShift caps the violation backoff: after repeated denials the
	// effective window for a key is Window << violations, clamped to
	// Window << MaxBackoffShift.
	MaxBackoffShift int
}

// Config maps endpoint classes to policies.
type Config map[Class]Policy

// DefaultConfig returns the stock per-class budgets.
func DefaultConfig() Config {
	return Config{
		ClassLogin:    {Limit: 5, Window: time.Minute, MaxBackoffShift: 3},
		ClassRegister: {Limit: 3, Window: time.Minute, MaxBackoffShift: 3},
		ClassRefresh:  {Limit: 10, Window: time.Minute, MaxBackoffShift: 3},
		ClassDefault:  {Limit: 60, Window: time.Minute, MaxBackoffShift: 3},
	}
}

// FromEnv returns DefaultConfig with per-class overrides applied from
// RATELIMIT_{CLASS}_REQUESTS / RATELIMIT_{CLASS}_WINDOW_SEC /
// RATELIMIT_{CLASS}_MAX_BACKOFF_SHIFT. Useful for testing and tuning without
// a rebuild.
func FromEnv() Config {
	cfg := DefaultConfig()
	for class, policy := range cfg {
		cfg[class] = parsePolicyFromEnv(class, policy)
	}
	return cfg
}

func parsePolicyFromEnv(class Class, fallback Policy) Policy {
	prefix := "RATELIMIT_" + strings.ToUpper(string(class)) + "_"

	if val := os.Getenv(prefix + "REQUESTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			fallback.Limit = n
		}
	}
	if val := os.Getenv(prefix + "WINDOW_SEC"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			fallback.Window = time.Duration(n) * time.Second
		}
	}
	if val := os.Getenv(prefix + "MAX_BACKOFF_SHIFT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			fallback.MaxBackoffShift = n
		}
	}
	return fallback
}

// For resolves the policy for a class, falling back to ClassDefault.
func (c Config) For(class Class) Policy {
	if p, ok := c[class]; ok {
		return p
	}
	return c[ClassDefault]
}
