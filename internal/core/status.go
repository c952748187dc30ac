package core

import "time"

// CacheStatus summarizes the response cache.
type CacheStatus struct {
	Enabled    bool   `json:"enabled"`
	Backend    string `json:"backend"`
	Entries    int    `json:"entries"`
	MaxEntries int    `json:"max_entries"`
}

// ClientStatus is a point-in-time view of the whole client stack.
type ClientStatus struct {
	Instance        string        `json:"instance"`
	CredentialState string        `json:"credential_state"`
	Limiter         LimiterStatus `json:"limiter"`
	Cache           CacheStatus   `json:"cache"`
	Timestamp       time.Time     `json:"timestamp"`
}
