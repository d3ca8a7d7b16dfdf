package request

import (
	"strconv"
	"strings"
	"time"

	"go.uber.org/ratelimit"
)

// ParseRateLimit parses "<n>/<unit>" (e.g. "10/second", "200/minute") into a
// limiter. Empty or malformed values disable limiting and return nil.
func ParseRateLimit(rateStr string) ratelimit.Limiter {
	rateStr = strings.TrimSpace(rateStr)
	if rateStr == "" {
		return nil
	}
	parts := strings.SplitN(rateStr, "/", 2)
	if len(parts) != 2 {
		return nil
	}

	count, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || count <= 0 {
		return nil
	}

	var per time.Duration
	switch strings.ToLower(strings.TrimSpace(parts[1])) {
	case "second", "sec", "s":
		per = time.Second
	case "minute", "min", "m":
		per = time.Minute
	case "hour", "hr", "h":
		per = time.Hour
	default:
		return nil
	}

	return ratelimit.New(count, ratelimit.Per(per), ratelimit.WithoutSlack)
}
