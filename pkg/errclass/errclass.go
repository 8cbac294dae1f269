// Package errclass classifies failures by message and derives retry decisions from the category.
// Every function is pure and safe for concurrent use.
package errclass

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"time"
)

type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryAPI        Category = "api_error"
	CategoryData       Category = "data_error"
	CategoryTimeout    Category = "timeout"
	CategoryPermission Category = "permission"
	CategoryValidation Category = "validation"
	CategoryRateLimit  Category = "rate_limit"
	CategoryUnknown    Category = "unknown"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

const (
	DefaultMaxRetries   = 3
	RateLimitMaxRetries = 5
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = time.Minute
)

// rules are checked in order; the first category with a matching keyword wins.
// Specific categories come before the broad data/api buckets, which match words
// like "invalid" or "status" that also appear in rate-limit and timeout messages.
var rules = []struct {
	category Category
	keywords []string
}{
	{CategoryRateLimit, []string{"rate limit", "too many requests", "429"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryNetwork, []string{"network", "econnrefused", "enotfound", "econnreset", "connection refused", "connection reset", "no such host"}},
	{CategoryPermission, []string{"unauthorized", "forbidden", "permission", "access denied"}},
	{CategoryValidation, []string{"validation", "invalid format", "malformed"}},
	{CategoryData, []string{"not found", "invalid", "missing", "required"}},
	{CategoryAPI, []string{"api", "http", "status", "bad request", "internal server error"}},
}

var retryable = map[Category]bool{
	CategoryNetwork:   true,
	CategoryTimeout:   true,
	CategoryAPI:       true,
	CategoryRateLimit: true,
}

// Classify maps an error to a category by keyword matching on its message.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies a bare message, e.g. one reported by a remote provider.
func ClassifyMessage(message string) Category {
	msg := strings.ToLower(message)

	for _, rule := range rules {
		for _, keyword := range rule.keywords {
			if strings.Contains(msg, keyword) {
				return rule.category
			}
		}
	}

	return CategoryUnknown
}

// IsRetryable reports whether the category is ever worth retrying.
func IsRetryable(category Category) bool {
	return retryable[category]
}

// MaxRetriesFor returns the retry budget of a category.
func MaxRetriesFor(category Category) int {
	if category == CategoryRateLimit {
		return RateLimitMaxRetries
	}

	return DefaultMaxRetries
}

// ShouldRetry is false once attempt reaches maxRetries, otherwise true only for
// transient categories.
func ShouldRetry(err error, attempt, maxRetries int) bool {
	if attempt >= maxRetries {
		return false
	}

	return IsRetryable(Classify(err))
}

// GetSeverity is informational and never drives control flow.
func GetSeverity(err error) Severity {
	switch Classify(err) {
	case CategoryPermission, CategoryValidation:
		return SeverityHigh
	case CategoryData, CategoryRateLimit, CategoryAPI:
		return SeverityMedium
	case CategoryNetwork, CategoryTimeout:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Strategy is the retry decision for one failed attempt.
type Strategy struct {
	Category    Category
	ShouldRetry bool
	Delay       time.Duration
	MaxRetries  int
}

// Policy holds the backoff parameters. The zero value is not usable; start from DefaultPolicy.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter returns a random duration in [0, limit).
	Jitter func(limit time.Duration) time.Duration
}

var DefaultPolicy = Policy{
	BaseDelay: DefaultBaseDelay,
	MaxDelay:  DefaultMaxDelay,
	Jitter:    randomJitter,
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}

	return rand.N(limit)
}

// GetRetryStrategy applies DefaultPolicy.
func GetRetryStrategy(err error, attempt int) Strategy {
	return DefaultPolicy.Strategy(err, attempt)
}

// Strategy computes base*2^attempt plus up to 1s of jitter, capped at MaxDelay.
// Rate limits double the multiplier, allow up to 2s of jitter on top of the cap and
// extend the budget to RateLimitMaxRetries.
func (p Policy) Strategy(err error, attempt int) Strategy {
	category := Classify(err)
	maxRetries := MaxRetriesFor(category)

	jitter := p.Jitter
	if jitter == nil {
		jitter = randomJitter
	}

	exponential := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))

	var delay time.Duration

	if category == CategoryRateLimit {
		delay = min(exponential*2, p.MaxDelay) + jitter(2*time.Second)
	} else {
		delay = min(exponential+jitter(time.Second), p.MaxDelay)
	}

	return Strategy{
		Category:    category,
		ShouldRetry: attempt < maxRetries && IsRetryable(category),
		Delay:       delay,
		MaxRetries:  maxRetries,
	}
}

// Format renders "[CATEGORY] message | Context: k=v, ..." with keys sorted.
func Format(err error, context map[string]any) string {
	message := ""
	if err != nil {
		message = err.Error()
	}

	formatted := fmt.Sprintf("[%s] %s", strings.ToUpper(string(Classify(err))), message)

	if len(context) == 0 {
		return formatted
	}

	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, context[k]))
	}

	return formatted + " | Context: " + strings.Join(pairs, ", ")
}
