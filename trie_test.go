/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"testing"

	"github.com/miekg/dns"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	if err != nil {
		t.Fatalf("dns.NewRR(%q): %v", s, err)
	}
	return rr
}

func buildExampleZone(t *testing.T) *Trie {
	t.Helper()
	trie := NewTrie()
	apex := ParseName("example.")
	soa := mustRR(t, "example. 3600 IN SOA ns1.example. hostmaster.example. 1 3600 600 604800 300")
	if err := trie.Insert(apex, dns.TypeSOA, RRset{TTL: 3600, RRs: []dns.RR{soa}}); err != nil {
		t.Fatalf("insert SOA: %v", err)
	}
	ns := mustRR(t, "example. 3600 IN NS ns1.example.")
	if err := trie.Insert(apex, dns.TypeNS, RRset{TTL: 3600, RRs: []dns.RR{ns}}); err != nil {
		t.Fatalf("insert NS: %v", err)
	}
	a := mustRR(t, "ns1.example. 3600 IN A 192.0.2.1")
	if err := trie.Insert(ParseName("ns1.example."), dns.TypeA, RRset{TTL: 3600, RRs: []dns.RR{a}}); err != nil {
		t.Fatalf("insert A: %v", err)
	}
	return trie
}

// S1 — Positive lookup.
func TestTrieLookupPositive(t *testing.T) {
	trie := buildExampleZone(t)
	rrset, apex, nsAuthority, err := trie.Lookup(ParseName("ns1.example."), dns.TypeA)
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	if len(rrset.RRs) != 1 {
		t.Fatalf("want 1 A RR, got %d", len(rrset.RRs))
	}
	if apex.String() != "example." {
		t.Fatalf("authority apex = %q, want %q", apex.String(), "example.")
	}
	if len(nsAuthority.RRs) != 1 {
		t.Fatalf("want 1 NS RR in authority, got %d", len(nsAuthority.RRs))
	}
}

// S2 — NXDOMAIN.
func TestTrieLookupNotFound(t *testing.T) {
	trie := buildExampleZone(t)
	_, _, _, err := trie.Lookup(ParseName("absent.example."), dns.TypeA)
	nf, ok := err.(*NotFoundError)
	if !ok {
		t.Fatalf("want *NotFoundError, got %v (%T)", err, err)
	}
	if nf.SOA == nil || nf.SOA.Serial != 1 {
		t.Fatalf("NotFoundError should carry the zone's SOA")
	}
}

// S3 — Delegation.
func TestTrieLookupDelegation(t *testing.T) {
	trie := buildExampleZone(t)
	subNS := mustRR(t, "sub.example. 3600 IN NS ns.sub.example.")
	if err := trie.Insert(ParseName("sub.example."), dns.TypeNS, RRset{TTL: 3600, RRs: []dns.RR{subNS}}); err != nil {
		t.Fatalf("insert delegation NS: %v", err)
	}
	glueA := mustRR(t, "ns.sub.example. 3600 IN A 192.0.2.53")
	if err := trie.Insert(ParseName("ns.sub.example."), dns.TypeA, RRset{TTL: 3600, RRs: []dns.RR{glueA}}); err != nil {
		t.Fatalf("insert glue: %v", err)
	}

	_, _, _, err := trie.Lookup(ParseName("host.sub.example."), dns.TypeA)
	del, ok := err.(*DelegationError)
	if !ok {
		t.Fatalf("want *DelegationError, got %v (%T)", err, err)
	}
	if !del.Apex.IsStrictSubdomainOf(ParseName("example.")) {
		t.Fatalf("delegation apex %q should be a strict descendant of example.", del.Apex.String())
	}
	v4, _ := trie.Glue(del.Apex, del.NS)
	if len(v4.RRs) != 1 {
		t.Fatalf("want 1 glue A RR, got %d", len(v4.RRs))
	}
}

func TestTrieEmptyNonTerminal(t *testing.T) {
	trie := buildExampleZone(t)
	deepA := mustRR(t, "deep.sub.example. 3600 IN A 192.0.2.9")
	if err := trie.Insert(ParseName("deep.sub.example."), dns.TypeA, RRset{TTL: 3600, RRs: []dns.RR{deepA}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, _, _, err := trie.Lookup(ParseName("sub.example."), dns.TypeA)
	if _, ok := err.(*EmptyNonTerminalError); !ok {
		t.Fatalf("want *EmptyNonTerminalError for an interior node with descendants, got %v (%T)", err, err)
	}
}

func TestTrieRemoveZone(t *testing.T) {
	trie := buildExampleZone(t)
	subSOA := mustRR(t, "sub.example. 3600 IN SOA ns.sub.example. host.sub.example. 1 3600 600 604800 300")
	if err := trie.Insert(ParseName("sub.example."), dns.TypeSOA, RRset{TTL: 3600, RRs: []dns.RR{subSOA}}); err != nil {
		t.Fatalf("insert sub-zone SOA: %v", err)
	}
	trie.RemoveZone(ParseName("example."))

	if _, ok := trie.GetSOA(ParseName("sub.example.")); !ok {
		t.Fatalf("remove_zone(example.) must not remove the re-rooted sub-zone sub.example.")
	}
	if _, ok := trie.GetSOA(ParseName("example.")); ok {
		t.Fatalf("remove_zone(example.) should have removed example.'s own SOA")
	}
}

func TestTrieWildcardSynthesis(t *testing.T) {
	trie := buildExampleZone(t)
	wc := mustRR(t, "*.example. 3600 IN A 192.0.2.200")
	if err := trie.Insert(ParseName("*.example."), dns.TypeA, RRset{TTL: 3600, RRs: []dns.RR{wc}}); err != nil {
		t.Fatalf("insert wildcard: %v", err)
	}
	rrset, _, _, err := trie.Lookup(ParseName("anything.example."), dns.TypeA)
	if err != nil {
		t.Fatalf("wildcard lookup error: %v", err)
	}
	if len(rrset.RRs) != 1 || rrset.RRs[0].Header().Name != "anything.example." {
		t.Fatalf("wildcard answer should be rewritten to the queried owner, got %v", rrset.RRs)
	}
}

func TestTrieCNAMECoexistence(t *testing.T) {
	trie := NewTrie()
	owner := ParseName("alias.example.")
	cname := mustRR(t, "alias.example. 3600 IN CNAME target.example.")
	if err := trie.Insert(owner, dns.TypeCNAME, RRset{TTL: 3600, RRs: []dns.RR{cname}}); err != nil {
		t.Fatalf("insert CNAME: %v", err)
	}
	a := mustRR(t, "alias.example. 3600 IN A 192.0.2.1")
	if err := trie.Insert(owner, dns.TypeA, RRset{TTL: 3600, RRs: []dns.RR{a}}); err != ErrCNAMECoexistence {
		t.Fatalf("inserting A alongside CNAME should fail with ErrCNAMECoexistence, got %v", err)
	}
}
