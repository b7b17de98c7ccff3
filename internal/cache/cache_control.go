package cache

import (
	"strconv"
	"strings"
	"time"
)

// CacheControl holds the Cache-Control directives this service emits for cached API
// responses and understands when reading them back.
type CacheControl struct {
	Public               bool
	Private              bool
	NoStore              bool
	NoCache              bool
	MaxAge               *int // seconds
	SMaxAge              *int // seconds, shared caches (CDN)
	StaleWhileRevalidate *int // seconds
}

// SharedCacheControl describes a response that a CDN may keep for ttl and keep serving
// for grace while it revalidates. Stale responses get s-maxage=0 so the edge refetches.
func SharedCacheControl(ttl, grace time.Duration, stale bool) CacheControl {
	smax := int(ttl / time.Second)
	if stale || smax < 0 {
		smax = 0
	}
	swr := int(grace / time.Second)
	if swr < 0 {
		swr = 0
	}
	return CacheControl{Public: true, SMaxAge: &smax, StaleWhileRevalidate: &swr}
}

// String renders the directives in a stable order.
func (c CacheControl) String() string {
	parts := make([]string, 0, 6)
	switch {
	case c.Public:
		parts = append(parts, "public")
	case c.Private:
		parts = append(parts, "private")
	}
	if c.NoStore {
		parts = append(parts, "no-store")
	}
	if c.NoCache {
		parts = append(parts, "no-cache")
	}
	if c.MaxAge != nil {
		parts = append(parts, "max-age="+strconv.Itoa(*c.MaxAge))
	}
	if c.SMaxAge != nil {
		parts = append(parts, "s-maxage="+strconv.Itoa(*c.SMaxAge))
	}
	if c.StaleWhileRevalidate != nil {
		parts = append(parts, "stale-while-revalidate="+strconv.Itoa(*c.StaleWhileRevalidate))
	}
	return strings.Join(parts, ", ")
}

// ParseCacheControl parses a Cache-Control header. Unknown directives and malformed
// values are ignored.
func ParseCacheControl(header string) CacheControl {
	var directive CacheControl
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if key, value, ok := strings.Cut(part, "="); ok {
			seconds, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || seconds < 0 {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "max-age":
				directive.MaxAge = &seconds
			case "s-maxage":
				directive.SMaxAge = &seconds
			case "stale-while-revalidate":
				directive.StaleWhileRevalidate = &seconds
			}
			continue
		}

		switch strings.ToLower(part) {
		case "public":
			directive.Public = true
		case "private":
			directive.Private = true
		case "no-cache":
			directive.NoCache = true
		case "no-store":
			directive.NoStore = true
		}
	}
	return directive
}

// TTL derives the shared-cache lifetime. no-cache, no-store and private yield zero;
// s-maxage wins over max-age; nil means no directive was present.
func (c CacheControl) TTL() *time.Duration {
	if c.NoCache || c.NoStore || c.Private {
		zero := time.Duration(0)
		return &zero
	}
	if c.SMaxAge != nil {
		ttl := time.Duration(*c.SMaxAge) * time.Second
		return &ttl
	}
	if c.MaxAge != nil {
		ttl := time.Duration(*c.MaxAge) * time.Second
		return &ttl
	}
	return nil
}
