package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Class groups upload responses by how they are handled.
type Class int

const (
	Success Class = iota
	RateLimited
	ServerError
	TransportError
	ClientError
	LocalError // failed before anything was sent
	Aborted    // stopped by cancellation
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case ServerError:
		return "server_error"
	case TransportError:
		return "transport_error"
	case ClientError:
		return "client_error"
	case LocalError:
		return "local_error"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classify maps a response status, or a transport error, to its Class.
func Classify(status int, err error) Class {
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return Aborted
	case err != nil:
		return TransportError
	case status >= 200 && status < 300:
		return Success
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status >= 500:
		return ServerError
	default:
		return ClientError
	}
}

// State describes the attempt sequence at the moment a response is classified.
type State struct {
	Attempt    int           // attempts made so far, including the current one
	Counted    int           // attempts that count against the retry ceiling, including the current one
	RetryAfter time.Duration // server advertised delay, if any
}

// Rule is one row of the policy table.
type Rule struct {
	Retryable bool
	Counted   bool // whether the attempt counts against the ceiling
	Wait      func(unit time.Duration, s State) time.Duration
}

// Decision is what the caller does next.
type Decision struct {
	Retry     bool
	Wait      time.Duration
	Exhausted bool
}

// Policy is a table of rules plus the retry ceiling that applies to counted attempts.
type Policy struct {
	MaxRetries int
	Unit       time.Duration
	Rules      map[Class]Rule
}

// DefaultPolicy returns the upload policy: rate limits wait for the advertised
// delay and are never capped, server and transport errors back off
// exponentially up to maxRetries, anything else is final.
func DefaultPolicy(maxRetries int, unit time.Duration) Policy {
	backoff := Rule{Retryable: true, Counted: true, Wait: Exponential}
	return Policy{
		MaxRetries: maxRetries,
		Unit:       unit,
		Rules: map[Class]Rule{
			Success:        {},
			RateLimited:    {Retryable: true, Wait: AdvertisedPlusAttempt},
			ServerError:    backoff,
			TransportError: backoff,
			ClientError:    {},
		},
	}
}

// BrokerPolicy returns the policy for dead-letter publishes: every publish
// error is a transport error retried with exponential backoff.
func BrokerPolicy(maxRetries int, unit time.Duration) Policy {
	return Policy{
		MaxRetries: maxRetries,
		Unit:       unit,
		Rules: map[Class]Rule{
			TransportError: {Retryable: true, Counted: true, Wait: Exponential},
		},
	}
}

// Counts reports whether an attempt of class c counts against the ceiling.
func (p Policy) Counts(c Class) bool {
	return p.Rules[c].Counted
}

// Decide applies the rule for c.
func (p Policy) Decide(c Class, s State) Decision {
	rule, ok := p.Rules[c]
	if !ok || !rule.Retryable {
		return Decision{}
	}
	if rule.Counted && s.Counted > p.MaxRetries {
		return Decision{Exhausted: true}
	}
	var wait time.Duration
	if rule.Wait != nil {
		wait = rule.Wait(p.Unit, s)
	}
	return Decision{Retry: true, Wait: wait}
}

// Exponential waits 2^n units, where n is the counted attempt number that was
// just checked against the ceiling, so the first retry waits two units.
func Exponential(unit time.Duration, s State) time.Duration {
	n := s.Counted
	if n < 0 {
		n = 0
	}
	if n > 30 {
		n = 30
	}
	return unit * time.Duration(1<<uint(n))
}

// AdvertisedPlusAttempt waits the server advertised delay plus one unit per attempt made.
func AdvertisedPlusAttempt(unit time.Duration, s State) time.Duration {
	return s.RetryAfter + unit*time.Duration(s.Attempt)
}

// ParseRetryAfter reads a Retry-After header given as seconds or an HTTP date.
// Missing or malformed values yield zero.
func ParseRetryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
