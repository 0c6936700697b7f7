/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"math/rand"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestResolverCacheHit(t *testing.T) {
	cache := NewCache(10)
	trie := NewTrie()
	now := time.Unix(1_700_000_000, 0)
	cache.InsertRRset("www.example.", dns.TypeA, []dns.RR{mustRR(t, "www.example. 300 IN A 192.0.2.1")}, 300, RankAuthoritativeAnswer, now)

	r := NewResolver(cache, trie, rand.New(rand.NewSource(1)))
	reply, q, err := r.Lookup("www.example.", dns.TypeA, now)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if q != nil {
		t.Fatalf("a cache hit should need no outbound Query, got %+v", q)
	}
	if reply.Kind != CacheEntryRRset || len(reply.RRs) != 1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestResolverAuthoritativeLookup(t *testing.T) {
	cache := NewCache(10)
	trie := buildExampleZone(t)
	now := time.Unix(1_700_000_000, 0)

	r := NewResolver(cache, trie, rand.New(rand.NewSource(1)))
	reply, q, err := r.Lookup("ns1.example.", dns.TypeA, now)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if q != nil {
		t.Fatalf("an authoritative hit should need no outbound Query, got %+v", q)
	}
	if len(reply.RRs) != 1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestResolverCNAMEChainFollowing(t *testing.T) {
	cache := NewCache(10)
	trie := NewTrie()
	apex := ParseName("example.")
	soa := mustRR(t, "example. 3600 IN SOA ns1.example. hostmaster.example. 1 3600 600 604800 300")
	if err := trie.Insert(apex, dns.TypeSOA, RRset{TTL: 3600, RRs: []dns.RR{soa}}); err != nil {
		t.Fatalf("insert SOA: %v", err)
	}
	cname := mustRR(t, "alias.example. 300 IN CNAME target.example.")
	if err := trie.Insert(ParseName("alias.example."), dns.TypeCNAME, RRset{TTL: 300, RRs: []dns.RR{cname}}); err != nil {
		t.Fatalf("insert CNAME: %v", err)
	}
	a := mustRR(t, "target.example. 300 IN A 192.0.2.5")
	if err := trie.Insert(ParseName("target.example."), dns.TypeA, RRset{TTL: 300, RRs: []dns.RR{a}}); err != nil {
		t.Fatalf("insert A: %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	r := NewResolver(cache, trie, rand.New(rand.NewSource(1)))
	reply, q, err := r.Lookup("alias.example.", dns.TypeA, now)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if q != nil {
		t.Fatalf("a fully in-zone chain should need no outbound Query, got %+v", q)
	}
	if len(reply.Chain) != 1 {
		t.Fatalf("want one CNAME hop recorded, got %v", reply.Chain)
	}
	if len(reply.RRs) != 1 || reply.RRs[0].(*dns.A).A.String() != "192.0.2.5" {
		t.Fatalf("want the terminal A record, got %v", reply.RRs)
	}
}

func TestResolverSRVShortcutSkipsCNAMEWalk(t *testing.T) {
	cache := NewCache(10)
	trie := NewTrie()
	now := time.Unix(1_700_000_000, 0)
	srv := mustRR(t, "_sip._tcp.example. 300 IN SRV 10 20 5060 sipserver.example.")
	cache.InsertRRset("_sip._tcp.example.", dns.TypeSRV, []dns.RR{srv}, 300, RankAuthoritativeAnswer, now)

	r := NewResolver(cache, trie, rand.New(rand.NewSource(1)))
	reply, q, err := r.Lookup("_sip._tcp.example.", dns.TypeSRV, now)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if q != nil {
		t.Fatalf("SRV shortcut should need no outbound Query, got %+v", q)
	}
	if len(reply.RRs) != 1 {
		t.Fatalf("unexpected SRV reply: %+v", reply)
	}
}

func TestResolverReferralPicksGlue(t *testing.T) {
	cache := NewCache(10)
	trie := buildExampleZone(t)
	subNS := mustRR(t, "sub.example. 3600 IN NS ns.sub.example.")
	if err := trie.Insert(ParseName("sub.example."), dns.TypeNS, RRset{TTL: 3600, RRs: []dns.RR{subNS}}); err != nil {
		t.Fatalf("insert delegation NS: %v", err)
	}
	glue := mustRR(t, "ns.sub.example. 3600 IN A 192.0.2.53")
	if err := trie.Insert(ParseName("ns.sub.example."), dns.TypeA, RRset{TTL: 3600, RRs: []dns.RR{glue}}); err != nil {
		t.Fatalf("insert glue: %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	r := NewResolver(cache, trie, rand.New(rand.NewSource(1)))
	reply, q, err := r.Lookup("host.sub.example.", dns.TypeA, now)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if reply != nil {
		t.Fatalf("a delegation should produce a Query to ask, not a final Reply, got %+v", reply)
	}
	if q == nil || q.Server != "192.0.2.53:53" {
		t.Fatalf("want a referral Query to the glued nameserver, got %+v", q)
	}
}

func TestResolverNeedARecursesForOutOfBailiwickNS(t *testing.T) {
	cache := NewCache(10)
	trie := NewTrie()
	now := time.Unix(1_700_000_000, 0)

	cache.InsertRRset("example.", dns.TypeNS, []dns.RR{mustRR(t, "example. 3600 IN NS ns.other.net.")}, 3600, RankZoneGlue, now)
	cache.InsertRRset(".", dns.TypeNS, []dns.RR{mustRR(t, ". 3600000 IN NS a.root-servers.net.")}, 3600000, RankZoneGlue, now)
	cache.InsertRRset("a.root-servers.net.", dns.TypeA, []dns.RR{mustRR(t, "a.root-servers.net. 3600000 IN A 198.41.0.4")}, 3600000, RankZoneGlue, now)

	r := NewResolver(cache, trie, rand.New(rand.NewSource(1)))
	reply, q, err := r.Lookup("www.example.", dns.TypeA, now)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if reply != nil {
		t.Fatalf("a NeedA hop should produce an outbound Query, not a final Reply, got %+v", reply)
	}
	if q == nil || q.Name != "ns.other.net." || q.Type != dns.TypeA || q.Server != "198.41.0.4:53" {
		t.Fatalf("want a NeedA Query for the NS's own address, resolved via the cached root, got %+v", q)
	}
	if q.OuterName != "www.example." || q.OuterType != dns.TypeA {
		t.Fatalf("want the original question stashed on the Query for Resume to continue, got %+v", q)
	}

	resp := new(dns.Msg)
	resp.Rcode = dns.RcodeSuccess
	resp.Answer = []dns.RR{mustRR(t, "ns.other.net. 3600 IN A 203.0.113.9")}
	reply, q, err = r.Resume(ScrubModeStub, q, resp, RankAdditional, now)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if reply != nil {
		t.Fatalf("want a referral Query to the now-resolved nameserver, got %+v", reply)
	}
	if q == nil || q.Name != "www.example." || q.Server != "203.0.113.9:53" {
		t.Fatalf("want the original lookup to resume against the resolved NS, got %+v", q)
	}
}

func TestResolverClimbsTowardRootWhenInBailiwickGlueMissing(t *testing.T) {
	cache := NewCache(10)
	trie := NewTrie()
	now := time.Unix(1_700_000_000, 0)

	cache.InsertRRset("sub.example.", dns.TypeNS, []dns.RR{mustRR(t, "sub.example. 3600 IN NS ns.sub.example.")}, 3600, RankZoneGlue, now)
	cache.InsertRRset("example.", dns.TypeNS, []dns.RR{mustRR(t, "example. 3600 IN NS ns.example.")}, 3600, RankZoneGlue, now)
	cache.InsertRRset("ns.example.", dns.TypeA, []dns.RR{mustRR(t, "ns.example. 3600 IN A 192.0.2.10")}, 3600, RankZoneGlue, now)

	r := NewResolver(cache, trie, rand.New(rand.NewSource(1)))
	reply, q, err := r.Lookup("host.sub.example.", dns.TypeA, now)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if reply != nil {
		t.Fatalf("missing in-bailiwick glue should climb toward root, not fail outright, got %+v", reply)
	}
	if q == nil || q.Server != "192.0.2.10:53" {
		t.Fatalf("want a referral to the climbed-to parent's nameserver, got %+v", q)
	}
}

func TestResolverResumeStoresScrubResult(t *testing.T) {
	cache := NewCache(10)
	trie := NewTrie()
	now := time.Unix(1_700_000_000, 0)
	r := NewResolver(cache, trie, rand.New(rand.NewSource(1)))

	msg := new(dns.Msg)
	msg.Rcode = dns.RcodeSuccess
	msg.Answer = []dns.RR{mustRR(t, "www.example. 300 IN A 192.0.2.8")}

	reply, q, err := r.Resume(ScrubModeStub, &Query{Name: "www.example.", Type: dns.TypeA}, msg, RankNonAuthoritativeAnswer, now)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if q != nil {
		t.Fatalf("Resume should resolve from the now-populated cache, got %+v", q)
	}
	if len(reply.RRs) != 1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}
