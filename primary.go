/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"time"

	"github.com/miekg/dns"
)

// notifyRetrySchedule is the fixed retransmission delay sequence spec.md
// §4.G names: "attempts at delays {5, 12, 25, 40, 60} seconds from the
// previous send".
var notifyRetrySchedule = []time.Duration{
	5 * time.Second, 12 * time.Second, 25 * time.Second, 40 * time.Second, 60 * time.Second,
}

// PendingNotify is one outstanding NOTIFY, grounded on the teacher's
// NotifyRequest (notify.go), tracked in a slice keyed by (zone, peer)
// rather than a map so a peer can have more than one outstanding id at
// once (SPEC_FULL.md §3).
type PendingNotify struct {
	Zone       Name
	Peer       string // "ip:port"
	SOA        *dns.SOA
	ID         uint16
	EnqueuedAt time.Time
	LastSentAt time.Time
	RetryCount int
}

func (p *PendingNotify) dueAt() time.Time {
	if p.RetryCount >= len(notifyRetrySchedule) {
		return time.Time{} // exhausted, never due again
	}
	return p.LastSentAt.Add(notifyRetrySchedule[p.RetryCount])
}

func (p *PendingNotify) exhausted() bool { return p.RetryCount >= len(notifyRetrySchedule) }

// TCPSOASubscription is a peer that asked for AXFR over TCP and so is
// remembered as an ad-hoc NOTIFY recipient (spec.md §3 "Replication
// state... a list of TCP SOA subscribers").
type TCPSOASubscription struct {
	Zone Name
	Peer string
}

// Primary is the Primary State machine (component G): NOTIFY fan-out,
// retransmission, and the TCP SOA subscriber list, grounded on the
// teacher's notify.go/notifier.go dispatch queue but restructured as a
// pure timer(now) transition that emits packets instead of calling
// dns.Exchange directly (spec.md §5 forbids core-internal I/O).
type Primary struct {
	Data        *Trie
	Auth        *AuthModule
	Subscribers []TCPSOASubscription
	Pending     []*PendingNotify
	NextID      func() uint16
}

// NewPrimary wires a Primary State over a data trie and Auth Module.
func NewPrimary(data *Trie, auth *AuthModule, idSource func() uint16) *Primary {
	return &Primary{Data: data, Auth: auth, NextID: idSource}
}

// Subscribe records peer as a TCP SOA subscriber for zone (spec.md §4.E
// "record the (zone, peer-ip, peer-port) as a NOTIFY subscriber").
func (p *Primary) Subscribe(zone Name, peer string) {
	for _, s := range p.Subscribers {
		if s.Zone.Equal(zone) && s.Peer == peer {
			return
		}
	}
	p.Subscribers = append(p.Subscribers, TCPSOASubscription{Zone: zone, Peer: peer})
}

// Notify computes the peer set for zone and enqueues a pending NOTIFY to
// each (spec.md §4.G "notify(zone, soa)"). ownNS is this primary's own
// nameserver name, excluded from the NS-derived peer set.
func (p *Primary) Notify(zone Name, soa *dns.SOA, ownNS string, now time.Time) []*Query {
	peers := map[string]bool{}

	if nsRRset, _, _, err := p.Data.Lookup(zone, dns.TypeNS); err == nil {
		for _, rr := range nsRRset.RRs {
			ns, ok := rr.(*dns.NS)
			if !ok || dns.Fqdn(ns.Ns) == dns.Fqdn(ownNS) {
				continue
			}
			target := ParseName(ns.Ns)
			if a, _, _, err := p.Data.Lookup(target, dns.TypeA); err == nil {
				for _, arr := range a.RRs {
					if addr, ok := arr.(*dns.A); ok {
						peers[addr.A.String()+":53"] = true
					}
				}
			}
		}
	}
	for _, tcpAddr := range p.Auth.Secondaries(zone) {
		peers[tcpAddr.String()] = true
	}
	for _, s := range p.Subscribers {
		if s.Zone.Equal(zone) {
			peers[s.Peer] = true
		}
	}

	var queries []*Query
	for peer := range peers {
		pn := &PendingNotify{Zone: zone, Peer: peer, SOA: soa, ID: p.NextID(), EnqueuedAt: now, LastSentAt: now}
		p.Pending = append(p.Pending, pn)
		queries = append(queries, notifyQuery(zone, peer, pn.ID, soa))
	}
	return queries
}

func notifyQuery(zone Name, peer string, id uint16, soa *dns.SOA) *Query {
	return &Query{Name: zone.String(), Type: dns.TypeSOA, Server: peer, ID: id, Notify: true, SOA: soa}
}

// Timer emits retransmissions for every pending NOTIFY whose deadline has
// passed, advancing its retry counter, and drops entries whose schedule is
// exhausted (spec.md §4.G "On timer(now), emit buffers for entries whose
// next-send deadline has passed; advance their retry counter... after the
// last attempt the entry is dropped with a warning").
func (p *Primary) Timer(now time.Time) []*Query {
	var out []*Query
	var kept []*PendingNotify
	for _, pn := range p.Pending {
		if pn.exhausted() {
			continue // dropped
		}
		if !now.Before(pn.dueAt()) {
			out = append(out, notifyQuery(pn.Zone, pn.Peer, pn.ID, pn.SOA))
			pn.LastSentAt = now
			pn.RetryCount++
		}
		if !pn.exhausted() {
			kept = append(kept, pn)
		}
	}
	p.Pending = kept
	return out
}

// AcceptResponse removes a pending NOTIFY matching (peerIP, queryID),
// spec.md §4.G "Incoming NOTIFY responses matching (peer_ip, query_id)
// remove the entry." This match is intentionally coarse — see DESIGN.md's
// Open Question decision on why it isn't hardened against a forged source
// IP here.
func (p *Primary) AcceptResponse(peerIP string, queryID uint16) {
	kept := p.Pending[:0]
	for _, pn := range p.Pending {
		host := peerIP
		if !hostMatches(pn.Peer, host) || pn.ID != queryID {
			kept = append(kept, pn)
		}
	}
	p.Pending = kept
}

func hostMatches(peer, host string) bool {
	for i := 0; i < len(peer); i++ {
		if peer[i] == ':' {
			return peer[:i] == host
		}
	}
	return peer == host
}
