// Package trust resolves a sender node id to a trust tier by longest-prefix
// match against the configured team/known lists.
package trust

import (
	"sort"
	"sync"

	"github.com/thrallguard/thrall/internal/envelope"
)

// Tier is a sender's trust classification.
type Tier string

const (
	Team    Tier = "team"
	Known   Tier = "known"
	Unknown Tier = "unknown"
)

// tierRank orders tiers so ties are broken by tier order: team > known.
var tierRank = map[Tier]int{Team: 2, Known: 1}

// Tiers holds the configured prefix lists. Prefixes must be validated
// 16-char lowercase hex; Load rejects anything else.
type Tiers struct {
	Team  []string
	Known []string
}

// entry is a validated prefix bound to the tier it belongs to, kept sorted
// longest-first so the first match in Resolve is always the longest one.
type entry struct {
	prefix string
	tier   Tier
}

// Resolver answers trust-tier queries. Safe for concurrent use; Swap
// installs a new configuration atomically, so each Resolve call sees either
// the old or the new configuration in full. Every call reads the current
// one; a caller holds no snapshot of its own.
type Resolver struct {
	mu      sync.RWMutex
	entries []entry
}

// NewResolver builds a Resolver from the given tiers. Invalid prefixes
// (anything not 16-char lowercase hex, per envelope.ValidatePrefix) are
// silently dropped — the Config Loader is responsible for failing loud on
// a bad prefix at load time; the Resolver itself never rejects state it is
// handed, it only refuses to USE bad data.
func NewResolver(t Tiers) *Resolver {
	r := &Resolver{}
	r.load(t)
	return r
}

// Swap atomically replaces the resolver's configuration.
func (r *Resolver) Swap(t Tiers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load(t)
}

func (r *Resolver) load(t Tiers) {
	var entries []entry
	for _, p := range t.Team {
		if envelope.ValidatePrefix(p) {
			entries = append(entries, entry{prefix: p, tier: Team})
		}
	}
	for _, p := range t.Known {
		if envelope.ValidatePrefix(p) {
			entries = append(entries, entry{prefix: p, tier: Known})
		}
	}
	// Longest prefix first; among equal lengths (all 16 here), team first.
	sort.SliceStable(entries, func(i, j int) bool {
		if len(entries[i].prefix) != len(entries[j].prefix) {
			return len(entries[i].prefix) > len(entries[j].prefix)
		}
		return tierRank[entries[i].tier] > tierRank[entries[j].tier]
	})
	r.entries = entries
}

// Resolve classifies a full sender node id. Non-hex or short ids resolve to
// Unknown rather than erroring — trust resolution never blocks the pipeline,
// it only ever downgrades to the least-privileged tier.
func (r *Resolver) Resolve(fromNode string) Tier {
	prefix, err := envelope.Prefix(fromNode)
	if err != nil {
		return Unknown
	}
	return r.ResolvePrefix(prefix)
}

// ResolvePrefix classifies an already-validated 16-hex prefix.
func (r *Resolver) ResolvePrefix(prefix string) Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.prefix == prefix {
			return e.tier
		}
	}
	return Unknown
}
