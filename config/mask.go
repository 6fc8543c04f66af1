package config

import (
	"net/url"
	"sort"
	"strings"
)

func mask(s string) string {
	if len(s) <= 1 {
		return strings.Repeat("*", len(s))
	}
	h := len(s) / 2
	return s[:h] + strings.Repeat("*", len(s)-h)
}

// MaskURL hides the credentials and query values of a connection url so it
// can be logged. Unparseable input is masked whole.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return mask(raw)
	}
	var str strings.Builder
	str.WriteString(u.Scheme)
	str.WriteString("://")
	if u.User != nil {
		str.WriteString(mask(u.User.Username()))
		if pass, ok := u.User.Password(); ok {
			str.WriteString(":")
			str.WriteString(mask(pass))
		}
		str.WriteString("@")
	}
	str.WriteString(u.Host)
	str.WriteString(u.Path)
	var qs []string
	for k, v := range u.Query() {
		qs = append(qs, k+"="+mask(strings.Join(v, ",")))
	}
	sort.Strings(qs)
	if len(qs) > 0 {
		str.WriteString("?")
		str.WriteString(strings.Join(qs, "&"))
	}
	return str.String()
}

// Endpoints returns the masked urls of the configured backends, keyed by role
func (c *Config) Endpoints() map[string]string {
	out := map[string]string{}
	switch c.Store.Backend {
	case BackendRedis:
		out["store"] = MaskURL(c.Store.RedisURL)
	case BackendSQLite:
		out["store"] = c.Store.SQLitePath
	}
	switch c.Queue.Backend {
	case BackendRedis:
		out["queue"] = MaskURL(c.Queue.RedisURL)
	case BackendNATS:
		out["queue"] = MaskURL(c.Queue.NATSURL)
	}
	if c.OTLP.URL != "" {
		out["otlp"] = MaskURL(c.OTLP.URL)
	}
	return out
}
