/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestCacheInsertQueryHit(t *testing.T) {
	c := NewCache(10)
	now := time.Unix(1_700_000_000, 0)
	c.InsertRRset("www.example.", dns.TypeA, []dns.RR{mustRR(t, "www.example. 300 IN A 192.0.2.1")}, 300, RankAuthoritativeAnswer, now)

	entry, err := c.Query("www.example.", dns.TypeA, now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if entry.Kind != CacheEntryRRset || len(entry.RRs) != 1 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if c.Stats.Hit != 1 {
		t.Fatalf("Stats.Hit = %d, want 1", c.Stats.Hit)
	}
}

func TestCacheMissVsDrop(t *testing.T) {
	c := NewCache(10)
	now := time.Unix(1_700_000_000, 0)

	if _, err := c.Query("absent.example.", dns.TypeA, now); err != ErrCacheMiss {
		t.Fatalf("want ErrCacheMiss on an unseen key, got %v", err)
	}
	if c.Stats.Miss != 1 {
		t.Fatalf("Stats.Miss = %d, want 1", c.Stats.Miss)
	}

	c.InsertRRset("www.example.", dns.TypeA, []dns.RR{mustRR(t, "www.example. 5 IN A 192.0.2.1")}, 5, RankAuthoritativeAnswer, now)
	if _, err := c.Query("www.example.", dns.TypeA, now.Add(10*time.Second)); err != ErrCacheDrop {
		t.Fatalf("want ErrCacheDrop on an expired entry, got %v", err)
	}
	if c.Stats.Drop != 1 {
		t.Fatalf("Stats.Drop = %d, want 1", c.Stats.Drop)
	}
	// The expired entry must actually be gone, not just reported expired once.
	if _, err := c.Query("www.example.", dns.TypeA, now.Add(10*time.Second)); err != ErrCacheMiss {
		t.Fatalf("querying again after a drop should miss, got %v", err)
	}
}

func TestCacheRankSuppression(t *testing.T) {
	c := NewCache(10)
	now := time.Unix(1_700_000_000, 0)
	high := []dns.RR{mustRR(t, "host.example. 300 IN A 192.0.2.9")}
	low := []dns.RR{mustRR(t, "host.example. 300 IN A 192.0.2.99")}

	c.InsertRRset("host.example.", dns.TypeA, high, 300, RankAuthoritativeAnswer, now)
	c.InsertRRset("host.example.", dns.TypeA, low, 300, RankAdditional, now)

	entry, err := c.Query("host.example.", dns.TypeA, now)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if entry.RRs[0].(*dns.A).A.String() != "192.0.2.9" {
		t.Fatalf("a lower-ranked insert must not overwrite a higher-ranked entry, got %v", entry.RRs)
	}
	if c.Stats.Drop != 1 {
		t.Fatalf("the suppressed insert should count as a Drop, got Stats.Drop=%d", c.Stats.Drop)
	}

	// A strictly higher rank does overwrite.
	c.InsertRRset("host.example.", dns.TypeA, low, 300, RankZoneFile, now)
	entry, _ = c.Query("host.example.", dns.TypeA, now)
	if entry.RRs[0].(*dns.A).A.String() != "192.0.2.99" {
		t.Fatalf("a higher-ranked insert should overwrite, got %v", entry.RRs)
	}
}

func TestCacheLRUEviction(t *testing.T) {
	c := NewCache(2)
	now := time.Unix(1_700_000_000, 0)
	c.InsertRRset("a.example.", dns.TypeA, []dns.RR{mustRR(t, "a.example. 300 IN A 192.0.2.1")}, 300, RankAdditional, now)
	c.InsertRRset("b.example.", dns.TypeA, []dns.RR{mustRR(t, "b.example. 300 IN A 192.0.2.2")}, 300, RankAdditional, now)
	// touch a so it's the most-recently-used, leaving b as the LRU victim
	if _, err := c.Query("a.example.", dns.TypeA, now); err != nil {
		t.Fatalf("Query a: %v", err)
	}
	c.InsertRRset("c.example.", dns.TypeA, []dns.RR{mustRR(t, "c.example. 300 IN A 192.0.2.3")}, 300, RankAdditional, now)

	if c.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", c.Size())
	}
	if _, err := c.Query("b.example.", dns.TypeA, now); err != ErrCacheMiss {
		t.Fatalf("b.example. should have been evicted as LRU, got %v", err)
	}
	if _, err := c.Query("a.example.", dns.TypeA, now); err != nil {
		t.Fatalf("a.example. should still be cached: %v", err)
	}
	if _, err := c.Query("c.example.", dns.TypeA, now); err != nil {
		t.Fatalf("c.example. should still be cached: %v", err)
	}
}

func TestCacheInsertNegativeUsesSOAMinimum(t *testing.T) {
	c := NewCache(10)
	now := time.Unix(1_700_000_000, 0)
	soa := mustRR(t, "example. 3600 IN SOA ns1.example. hostmaster.example. 1 3600 600 604800 123").(*dns.SOA)
	c.InsertNegative("absent.example.", dns.TypeA, CacheEntryNoDomain, soa, now)

	entry, err := c.Query("absent.example.", dns.TypeA, now.Add(122*time.Second))
	if err != nil {
		t.Fatalf("Query before minimum TTL elapses: %v", err)
	}
	if entry.Kind != CacheEntryNoDomain {
		t.Fatalf("Kind = %v, want CacheEntryNoDomain", entry.Kind)
	}
	if _, err := c.Query("absent.example.", dns.TypeA, now.Add(124*time.Second)); err != ErrCacheDrop {
		t.Fatalf("want ErrCacheDrop once the SOA minimum elapses, got %v", err)
	}
}
