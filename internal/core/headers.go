package core

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderRateLimitLimit     = "X-Rate-Limit-Limit"
	HeaderRateLimitRemaining = "X-Rate-Limit-Remaining"
	HeaderRetryAfter         = "Retry-After"
	HeaderLink               = "Link"
)

// RateLimitInfo holds rate limit hints reported by the LMS.
type RateLimitInfo struct {
	Limit     *float64
	Remaining *float64
}

// ParseRateHeaders reads the rate limit hint headers. Missing or malformed
// values are left nil.
func ParseRateHeaders(header http.Header) RateLimitInfo {
	var info RateLimitInfo
	if header == nil {
		return info
	}
	if value, ok := parseFloatHeader(header, HeaderRateLimitLimit); ok {
		info.Limit = &value
	}
	if value, ok := parseFloatHeader(header, HeaderRateLimitRemaining); ok {
		info.Remaining = &value
	}
	return info
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func RetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}

	retry := strings.TrimSpace(header.Get(HeaderRetryAfter))
	if retry == "" {
		return 0
	}

	if seconds, err := strconv.ParseFloat(retry, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if parsed, err := http.ParseTime(retry); err == nil {
		if wait := time.Until(parsed); wait > 0 {
			return wait
		}
	}

	return 0
}

// NextLink returns the rel="next" target of a Link header, or "".
func NextLink(header http.Header) string {
	if header == nil {
		return ""
	}

	for _, value := range header.Values(HeaderLink) {
		for _, part := range strings.Split(value, ",") {
			target, params, ok := strings.Cut(strings.TrimSpace(part), ";")
			if !ok {
				continue
			}
			target = strings.TrimSpace(target)
			if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			for _, param := range strings.Split(params, ";") {
				key, val, found := strings.Cut(strings.TrimSpace(param), "=")
				if !found || !strings.EqualFold(strings.TrimSpace(key), "rel") {
					continue
				}
				for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(val), `"`)) {
					if strings.EqualFold(rel, "next") {
						return target[1 : len(target)-1]
					}
				}
			}
		}
	}

	return ""
}

func parseFloatHeader(header http.Header, name string) (float64, bool) {
	raw := strings.TrimSpace(header.Get(name))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
