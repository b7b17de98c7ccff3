package cache

import "time"

// Freshness classifies an entry relative to its TTL and the store's stale grace window.
type Freshness int

const (
	// Fresh entries are served without touching the upstream.
	Fresh Freshness = iota
	// Stale entries are past their TTL but may still be served when a refresh fails.
	Stale
	// Expired entries are past the grace window and get evicted on the next access.
	Expired
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "expired"
	}
}

// Entry is a cached value together with the moment it was written and its TTL.
type Entry[V any] struct {
	Key       string        `json:"key"`
	Value     V             `json:"value"`
	WrittenAt time.Time     `json:"writtenAt"`
	TTL       time.Duration `json:"ttl"`
}

// Freshness reports the entry state at now. An entry is fresh only while its age is below
// the TTL, so a non-positive TTL is never fresh.
func (e Entry[V]) Freshness(now time.Time, grace time.Duration) Freshness {
	age := now.Sub(e.WrittenAt)
	switch {
	case age < e.TTL:
		return Fresh
	case age < e.TTL+grace:
		return Stale
	default:
		return Expired
	}
}
