/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func newTestPrimary(t *testing.T) (*Primary, *Trie) {
	t.Helper()
	trie := NewTrie()
	auth := NewAuthModule()
	id := uint16(0)
	return NewPrimary(trie, auth, func() uint16 { id++; return id }), trie
}

func TestPrimaryNotifyFanOutDedup(t *testing.T) {
	p, trie := newTestPrimary(t)
	apex := ParseName("example.")
	soaRR := mustRR(t, "example. 3600 IN SOA ns1.example. hostmaster.example. 1 3600 600 604800 300")
	if err := trie.Insert(apex, dns.TypeSOA, RRset{TTL: 3600, RRs: []dns.RR{soaRR}}); err != nil {
		t.Fatalf("insert SOA: %v", err)
	}
	nsRRs := []dns.RR{
		mustRR(t, "example. 3600 IN NS ns1.example."),
		mustRR(t, "example. 3600 IN NS ns2.example."),
	}
	if err := trie.Insert(apex, dns.TypeNS, RRset{TTL: 3600, RRs: nsRRs}); err != nil {
		t.Fatalf("insert NS: %v", err)
	}
	if err := trie.Insert(ParseName("ns1.example."), dns.TypeA, RRset{TTL: 3600, RRs: []dns.RR{mustRR(t, "ns1.example. 3600 IN A 192.0.2.1")}}); err != nil {
		t.Fatalf("insert ns1 A: %v", err)
	}
	if err := trie.Insert(ParseName("ns2.example."), dns.TypeA, RRset{TTL: 3600, RRs: []dns.RR{mustRR(t, "ns2.example. 3600 IN A 192.0.2.2")}}); err != nil {
		t.Fatalf("insert ns2 A: %v", err)
	}
	// A TCP subscriber at the same address as ns2 must dedup, not fan out twice.
	p.Subscribe(apex, "192.0.2.2:53")

	soa := soaRR.(*dns.SOA)
	now := time.Unix(1_700_000_000, 0)
	queries := p.Notify(apex, soa, "ns1.example.", now)

	if len(queries) != 1 {
		t.Fatalf("want ns1 excluded (own NS) and ns2/subscriber deduped to one peer, got %+v", queries)
	}
	q := queries[0]
	if q.Server != "192.0.2.2:53" {
		t.Fatalf("Server = %q, want the deduped peer address", q.Server)
	}
	if !q.Notify || q.SOA != soa {
		t.Fatalf("want a NOTIFY Query carrying the zone SOA, got %+v", q)
	}
	if q.ID == 0 {
		t.Fatalf("want a nonzero wire id stamped on the outbound Query")
	}
	if len(p.Pending) != 1 || p.Pending[0].ID != q.ID {
		t.Fatalf("want one PendingNotify tracking the same id, got %+v", p.Pending)
	}
}

func TestPrimaryNotifyRetransmitScheduleAndExhaustion(t *testing.T) {
	p, _ := newTestPrimary(t)
	zone := ParseName("example.")
	soa := mustRR(t, "example. 3600 IN SOA ns1.example. hostmaster.example. 1 3600 600 604800 300").(*dns.SOA)
	now := time.Unix(1_700_000_000, 0)
	p.Pending = append(p.Pending, &PendingNotify{
		Zone: zone, Peer: "192.0.2.9:53", SOA: soa, ID: p.NextID(), EnqueuedAt: now, LastSentAt: now,
	})

	if out := p.Timer(now.Add(1 * time.Second)); out != nil {
		t.Fatalf("want no retransmission before the first deadline, got %+v", out)
	}

	cur := now
	for i, d := range notifyRetrySchedule {
		cur = cur.Add(d)
		out := p.Timer(cur)
		if len(out) != 1 {
			t.Fatalf("retry %d at delay %v: want exactly one retransmission, got %+v", i, d, out)
		}
	}
	if len(p.Pending) != 0 {
		t.Fatalf("after the retry schedule is exhausted the entry should be dropped, got %+v", p.Pending)
	}
	if out := p.Timer(cur.Add(1000 * time.Second)); out != nil {
		t.Fatalf("no pending entries remain to retransmit, got %+v", out)
	}
}

func TestPrimaryAcceptResponseMatchesPeerAndID(t *testing.T) {
	p, _ := newTestPrimary(t)
	zone := ParseName("example.")
	soa := mustRR(t, "example. 3600 IN SOA ns1.example. hostmaster.example. 1 3600 600 604800 300").(*dns.SOA)
	now := time.Unix(1_700_000_000, 0)
	p.Subscribe(zone, "192.0.2.9:53")
	queries := p.Notify(zone, soa, "ns0.example.", now)
	if len(queries) != 1 {
		t.Fatalf("setup: want one outbound NOTIFY, got %+v", queries)
	}
	q := queries[0]

	p.AcceptResponse("192.0.2.9", q.ID+1)
	if len(p.Pending) != 1 {
		t.Fatalf("a mismatched query id must not remove the pending entry, got %+v", p.Pending)
	}
	p.AcceptResponse("203.0.113.1", q.ID)
	if len(p.Pending) != 1 {
		t.Fatalf("a mismatched peer ip must not remove the pending entry, got %+v", p.Pending)
	}

	p.AcceptResponse("192.0.2.9", q.ID)
	if len(p.Pending) != 0 {
		t.Fatalf("a matching (peer_ip, query_id) should remove the pending entry, got %+v", p.Pending)
	}
}
