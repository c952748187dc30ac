package config

// Defaults returns the built-in configuration layer.
func Defaults() map[string]any {
	return map[string]any{
		"canvas": map[string]any{
			"base_url":        "",
			"client_id":       "",
			"client_secret":   "",
			"user_id":         "self",
			"request_timeout": "30s",
			"per_page":        50,
			"max_pages":       10,
		},
		"rate_limit": map[string]any{
			"capacity":          700,
			"window":            "1h",
			"max_retries":       3,
			"base_backoff":      "1s",
			"max_backoff":       "16s",
			"jitter":            0.2,
			"failure_threshold": 5,
			"cooldown":          "60s",
			"persist":           true,
		},
		"cache": map[string]any{
			"enabled":     true,
			"max_entries": 500,
			"default_ttl": "15m",
			"backend":     "store",
			"ttls":        map[string]any{},
			"redis": map[string]any{
				"addr":     "",
				"password": "",
				"db":       0,
				"prefix":   "lmslink:cache:",
			},
		},
		"credentials": map[string]any{
			"encryption_key": "",
			"key_file":       "",
		},
		"server": map[string]any{
			"host":             "localhost",
			"port":             8080,
			"read_timeout":     "30s",
			"write_timeout":    "30s",
			"idle_timeout":     "120s",
			"shutdown_timeout": "10s",
		},
		"store": map[string]any{
			"driver":     "libsql",
			"path":       "",
			"url":        "",
			"auth_token": "",
		},
		"logging": map[string]any{
			"level":   "info",
			"profile": "SIMPLE",
		},
		"metrics": map[string]any{
			"enabled": true,
			"port":    9090,
		},
		"health": map[string]any{
			"enabled": true,
		},
	}
}

// FlatDefaults returns Defaults keyed by dotted path.
func FlatDefaults() map[string]any {
	out := map[string]any{}
	flatten("", Defaults(), out)
	return out
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for key, value := range in {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok && len(nested) > 0 {
			flatten(path, nested, out)
			continue
		}
		out[path] = value
	}
}
