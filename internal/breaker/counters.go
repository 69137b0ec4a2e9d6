// Package breaker implements the Loop/Breaker Guard: bounded in-memory
// reply counters and a solicited-send exemption set, breaker files on
// disk, and the trip/auto-expire/knock-pattern logic.
package breaker

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// replyWindow is the fixed 30-minute window the reply counter is defined
// over.
const replyWindow = 30 * time.Minute

// solicitedValidity is how long a recorded outbound send exempts its
// recipient from the loop counter.
const solicitedValidity = time.Hour

// replyEntry is the mutable value behind one reply-counter key. The LRU
// cache itself only bounds key count; the timestamp slice inside each
// entry is pruned lazily at read time.
type replyEntry struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// ReplyCounters tracks per-(session, sender) reply/wake timestamps, bounded
// to maxEntries keys with LRU eviction.
type ReplyCounters struct {
	cache *lru.Cache[string, *replyEntry]
}

// NewReplyCounters builds a bounded counter store.
func NewReplyCounters(maxEntries int) (*ReplyCounters, error) {
	c, err := lru.New[string, *replyEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &ReplyCounters{cache: c}, nil
}

func replyKey(sessionKey, senderPrefix string) string {
	return sessionKey + "|" + senderPrefix
}

// Record appends a timestamp for (sessionKey, senderPrefix) and returns the
// count of timestamps still within the 30-minute window, after pruning.
func (c *ReplyCounters) Record(sessionKey, senderPrefix string, now time.Time) int {
	key := replyKey(sessionKey, senderPrefix)
	entry, ok := c.cache.Get(key)
	if !ok {
		entry = &replyEntry{}
		c.cache.Add(key, entry)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.timestamps = pruneBefore(entry.timestamps, now.Add(-replyWindow))
	entry.timestamps = append(entry.timestamps, now)
	return len(entry.timestamps)
}

// Count reports how many timestamps are within the window, without
// recording a new one.
func (c *ReplyCounters) Count(sessionKey, senderPrefix string, now time.Time) int {
	key := replyKey(sessionKey, senderPrefix)
	entry, ok := c.cache.Get(key)
	if !ok {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.timestamps = pruneBefore(entry.timestamps, now.Add(-replyWindow))
	return len(entry.timestamps)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// SolicitedSends tracks (sender_prefix, session_id) -> last-send time,
// bounded the same way as ReplyCounters.
type SolicitedSends struct {
	cache *lru.Cache[string, time.Time]
}

// NewSolicitedSends builds a bounded solicited-send tracker.
func NewSolicitedSends(maxEntries int) (*SolicitedSends, error) {
	c, err := lru.New[string, time.Time](maxEntries)
	if err != nil {
		return nil, err
	}
	return &SolicitedSends{cache: c}, nil
}

func solicitedKey(senderPrefix, sessionKey string) string {
	return senderPrefix + "|" + sessionKey
}

// Record notes that we sent to senderPrefix within sessionKey at now.
func (s *SolicitedSends) Record(senderPrefix, sessionKey string, now time.Time) {
	s.cache.Add(solicitedKey(senderPrefix, sessionKey), now)
}

// IsSolicited reports whether a send was recorded within the last hour.
func (s *SolicitedSends) IsSolicited(senderPrefix, sessionKey string, now time.Time) bool {
	ts, ok := s.cache.Get(solicitedKey(senderPrefix, sessionKey))
	if !ok {
		return false
	}
	return now.Sub(ts) <= solicitedValidity
}
