package keystore

import (
	"regexp"
	"strings"
	"time"
)

var namespaceRe = regexp.MustCompile(`^[a-z0-9-]{1,50}$`)

func sanitizeName(name string, maxLen int) string {
	name = strings.TrimSpace(name)
	if len(name) > maxLen {
		name = name[:maxLen]
	}
	return name
}

func sanitizeNamespace(ns string) string {
	ns = strings.TrimSpace(strings.ToLower(ns))
	if ns == "" || !namespaceRe.MatchString(ns) {
		return "default"
	}
	return ns
}

func clampCredits(credits int64, max int64) int64 {
	if credits < 0 {
		return 0
	}
	if credits > max {
		return max
	}
	return credits
}

func sanitizeStrings(in []string, maxEntries int) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) >= maxEntries {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sanitizeTags(in map[string]string, maxEntries, maxLen int) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if len(k) > maxLen {
			k = k[:maxLen]
		}
		v = strings.TrimSpace(v)
		if len(v) > maxLen {
			v = v[:maxLen]
		}
		out[k] = v
		if len(out) >= maxEntries {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
