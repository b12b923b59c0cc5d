package main

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	cleanupTargetFraction = 10   // cleanup once ~1/10th of cache size new entries have been added
	minCleanupInterval    = 10   // minimum cleanup interval in operations
	maxCleanupInterval    = 1000 // maximum cleanup interval in operations
)

// MessageCache is a thread-safe set of recently-seen RPC message hashes, used
// to reject a replayed request within its expiry window. A hash that has
// expired but not yet been swept still counts as absent: Exists treats
// expiry as deletion, and the next Add eventually triggers a sweep, so the
// map never grows unbounded even under a steady stream of distinct hashes.
type MessageCache struct {
	entries        map[string]int64 // hash -> expiry timestamp (Unix ms)
	mu             sync.RWMutex
	ttl            time.Duration
	cleanupCounter int
	cleanupEvery   int // recalculated as the cache grows or shrinks
}

// NewMessageCache creates a new MessageCache instance with the specified TTL.
func NewMessageCache(ttl time.Duration) *MessageCache {
	return &MessageCache{
		entries:      make(map[string]int64),
		ttl:          ttl,
		cleanupEvery: minCleanupInterval,
	}
}

// Add records a message hash with an expiry of TTL from now and, every
// cleanupEvery calls, sweeps expired entries out of the map.
func (mc *MessageCache) Add(hash string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.entries[hash] = time.Now().Add(mc.ttl).UnixMilli()

	// TODO: avoid running a full sweep on every Add once cleanupEvery is hit
	// under high load; batching sweeps would reduce lock hold time.
	mc.cleanupCounter++
	if mc.cleanupCounter >= mc.cleanupEvery {
		mc.evictExpiredLocked()
		mc.recalculateCleanupInterval()
		mc.cleanupCounter = 0
	}
}

// Exists reports whether hash is cached and has not yet expired.
func (mc *MessageCache) Exists(hash string) bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	expiryTime, ok := mc.entries[hash]
	return ok && !expired(expiryTime)
}

// Remove explicitly evicts a hash so a failed message can be retried
// immediately instead of waiting out its TTL.
func (mc *MessageCache) Remove(hash string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.entries, hash)
}

// expired reports whether a stored expiry timestamp (Unix ms) is in the past.
func expired(expiryMs int64) bool {
	return time.Now().UnixMilli() > expiryMs
}

// evictExpiredLocked drops every expired entry. Callers must hold mc.mu so
// Add can sweep and insert within a single critical section.
func (mc *MessageCache) evictExpiredLocked() {
	for hash, expiryTime := range mc.entries {
		if expired(expiryTime) {
			delete(mc.entries, hash)
		}
	}
}

// recalculateCleanupInterval scales the sweep frequency with cache size:
// roughly one sweep per cleanupTargetFraction of the current entry count,
// clamped to [minCleanupInterval, maxCleanupInterval].
func (mc *MessageCache) recalculateCleanupInterval() {
	interval := len(mc.entries) / cleanupTargetFraction

	switch {
	case interval < minCleanupInterval:
		mc.cleanupEvery = minCleanupInterval
	case interval > maxCleanupInterval:
		mc.cleanupEvery = maxCleanupInterval
	default:
		mc.cleanupEvery = interval
	}
}

// HashMessage derives a content-addressed identifier for an RPC message by
// hashing the raw JSON bytes of its request (request ID, method, params, and timestamp)
// with Keccak256 — already linked in via go-ethereum/crypto and fast enough
// to run on every inbound message.
func HashMessage(msg *RPCMessage) string {
	if msg == nil || msg.Req == nil {
		return ""
	}

	hash := crypto.Keccak256(msg.Req.rawBytes)
	return hex.EncodeToString(hash)
}
