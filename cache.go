/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"container/list"
	"time"

	"github.com/miekg/dns"
)

// maxCacheTTL caps any cached entry's effective lifetime, per spec.md §3
// "Cache" ("TTL is smoothed to a one-week ceiling").
const maxCacheTTL = 7 * 24 * time.Hour

// CacheEntryKind tags the five shapes a cached result can take (spec.md §3
// "Cache entry"), mirroring the teacher's habit of a small discriminated
// struct (ChildDelegationData, DelegationSyncStatus) rather than an
// interface hierarchy.
type CacheEntryKind uint8

const (
	CacheEntryRRset CacheEntryKind = iota
	CacheEntryAlias
	CacheEntryNoData
	CacheEntryNoDomain
	CacheEntryServFail
)

// CacheEntry is one cached answer for (name, tag), carrying the rank it was
// inserted at and the absolute expiry computed at insert time.
type CacheEntry struct {
	Kind   CacheEntryKind
	Name   string
	Tag    uint16
	RRs    []dns.RR
	Target string   // CNAME target, only set when Kind == CacheEntryAlias
	SOA    *dns.SOA // only set for CacheEntryNoData/CacheEntryNoDomain/CacheEntryServFail
	Rank   Rank
	Expiry time.Time
}

func (e *CacheEntry) expired(now time.Time) bool { return !now.Before(e.Expiry) }

type cacheKey struct {
	name string
	tag  uint16
}

// CacheStats are the counters spec.md §4.B names: hit, miss, drop, insert.
type CacheStats struct {
	Hit    uint64
	Miss   uint64
	Drop   uint64
	Insert uint64
}

// Cache is the ranked, TTL-aware LRU (component B). Grounded on
// AstracatCATDNS-POPs's internal/cache/cache.go for the container/list
// move-to-front shape; the rank-aware insert-suppression rule and the
// entry-kind taxonomy are this spec's own invariants (spec.md §3/§4.B), no
// example repo has a ranked cache to adapt directly.
type Cache struct {
	capacity int
	ll       *list.List // front = most recently used
	items    map[cacheKey]*list.Element
	Stats    CacheStats
}

type cacheListEntry struct {
	key   cacheKey
	entry *CacheEntry
}

// NewCache allocates an empty cache bounded to capacity entries.
func NewCache(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
	}
}

func (c *Cache) Size() int     { return c.ll.Len() }
func (c *Cache) Capacity() int { return c.capacity }

func clampTTL(ttl uint32) time.Duration {
	d := time.Duration(ttl) * time.Second
	if d > maxCacheTTL {
		return maxCacheTTL
	}
	return d
}

// Insert adds entry, keyed by (name, tag), unless an existing entry at that
// key carries a strictly greater rank (spec.md §4.B "insert is suppressed
// when the existing entry outranks the new one"). Equal or lower-ranked
// existing entries are overwritten and moved to front.
func (c *Cache) Insert(name string, tag uint16, entry *CacheEntry) {
	key := cacheKey{name: name, tag: tag}
	if el, ok := c.items[key]; ok {
		existing := el.Value.(*cacheListEntry).entry
		if existing.Rank > entry.Rank {
			c.Stats.Drop++
			return
		}
		el.Value.(*cacheListEntry).entry = entry
		c.ll.MoveToFront(el)
		c.Stats.Insert++
		return
	}
	if c.capacity > 0 && c.ll.Len() >= c.capacity {
		c.evictOne()
	}
	el := c.ll.PushFront(&cacheListEntry{key: key, entry: entry})
	c.items[key] = el
	c.Stats.Insert++
}

// evictOne drops the least-recently-used entry to make room, per the
// teacher's CacheItem eviction loop (AstracatCATDNS-POPs cache.go).
func (c *Cache) evictOne() {
	back := c.ll.Back()
	if back == nil {
		return
	}
	c.ll.Remove(back)
	delete(c.items, back.Value.(*cacheListEntry).key)
}

// Query looks up (name, tag), moving a hit to the front and dropping (and
// counting as a Drop, not a Miss) any entry found expired, per spec.md
// §4.B "query(name, tag)".
func (c *Cache) Query(name string, tag uint16, now time.Time) (*CacheEntry, error) {
	key := cacheKey{name: name, tag: tag}
	el, ok := c.items[key]
	if !ok {
		c.Stats.Miss++
		return nil, ErrCacheMiss
	}
	entry := el.Value.(*cacheListEntry).entry
	if entry.expired(now) {
		c.ll.Remove(el)
		delete(c.items, key)
		c.Stats.Drop++
		return nil, ErrCacheDrop
	}
	c.ll.MoveToFront(el)
	c.Stats.Hit++
	return entry, nil
}

// InsertRRset caches a positive answer, ranked per spec.md's Rank order.
func (c *Cache) InsertRRset(name string, tag uint16, rrs []dns.RR, ttl uint32, rank Rank, now time.Time) {
	c.Insert(name, tag, &CacheEntry{
		Kind:   CacheEntryRRset,
		Name:   name,
		Tag:    tag,
		RRs:    rrs,
		Rank:   rank,
		Expiry: now.Add(clampTTL(ttl)),
	})
}

// InsertAlias caches a CNAME indirection at (name, tag) pointing at target,
// so a subsequent query for the same tag can follow it without re-walking
// the chain (spec.md §4.C "CNAME chain walking").
func (c *Cache) InsertAlias(name string, tag uint16, target string, ttl uint32, rank Rank, now time.Time) {
	c.Insert(name, tag, &CacheEntry{
		Kind:   CacheEntryAlias,
		Name:   name,
		Tag:    tag,
		Target: target,
		Rank:   rank,
		Expiry: now.Add(clampTTL(ttl)),
	})
}

// InsertNegative caches a NODATA, NXDOMAIN, or ServFail result, carrying the
// SOA for its minimum-TTL negative-caching window (spec.md §4.C
// "invalid-SOA synthesis" / RFC 2308).
func (c *Cache) InsertNegative(name string, tag uint16, kind CacheEntryKind, soa *dns.SOA, now time.Time) {
	var ttl uint32 = 300
	if soa != nil {
		ttl = soa.Minttl
	}
	c.Insert(name, tag, &CacheEntry{
		Kind:   kind,
		Name:   name,
		Tag:    tag,
		SOA:    soa,
		Rank:   RankNonAuthoritativeAnswer,
		Expiry: now.Add(clampTTL(ttl)),
	})
}
