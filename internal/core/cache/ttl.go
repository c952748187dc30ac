package cache

import (
	"strings"
	"time"
)

// DefaultTTL applies when no resource type matches a key.
const DefaultTTL = 15 * time.Minute

// ResourceTTL maps a key substring to a lifetime.
type ResourceTTL struct {
	Match string
	TTL   time.Duration
}

// DefaultResourceTTLs is checked in order; more specific resources come
// before the collections that contain them.
var DefaultResourceTTLs = []ResourceTTL{
	{Match: "submissions", TTL: 2 * time.Minute},
	{Match: "assignments", TTL: 5 * time.Minute},
	{Match: "grades", TTL: 5 * time.Minute},
	{Match: "enrollments", TTL: 10 * time.Minute},
	{Match: "announcements", TTL: 10 * time.Minute},
	{Match: "modules", TTL: 30 * time.Minute},
	{Match: "users/self", TTL: 24 * time.Hour},
	{Match: "profile", TTL: 24 * time.Hour},
	{Match: "courses", TTL: time.Hour},
}

// mergeTTLs replaces default entries in place and puts unknown matches
// ahead of the defaults.
func mergeTTLs(overrides []ResourceTTL) []ResourceTTL {
	merged := append([]ResourceTTL(nil), DefaultResourceTTLs...)
	var extra []ResourceTTL
	for _, item := range overrides {
		match := strings.TrimSpace(item.Match)
		if match == "" || item.TTL <= 0 {
			continue
		}
		replaced := false
		for i := range merged {
			if merged[i].Match == match {
				merged[i].TTL = item.TTL
				replaced = true
				break
			}
		}
		if !replaced {
			extra = append(extra, ResourceTTL{Match: match, TTL: item.TTL})
		}
	}
	return append(extra, merged...)
}

func ttlFor(table []ResourceTTL, fallback time.Duration, key string) time.Duration {
	path, _, _ := strings.Cut(key, "?")
	for _, item := range table {
		if strings.Contains(path, item.Match) {
			return item.TTL
		}
	}
	return fallback
}
