/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Query is an outbound request the caller must perform (send over the
// wire, get a Reply or timeout, feed the result back via Resume). The
// Resolver Engine never calls dns.Exchange itself, so it stays a pure
// (state, input) -> (state', outputs) component like the rest of the core
// (spec.md §5); grounded on rolandshoemaker/solvere's resolver.go but
// restructured to emit a Query value instead of blocking in-line.
//
// The same struct also carries the Primary/Secondary State machines'
// outbound SOA/AXFR/NOTIFY requests (spec.md §4.G/§4.H), which need the
// wire query id (and, for NOTIFY, the payload SOA) the caller must stamp on
// the outgoing message and match against the eventual response.
type Query struct {
	Name   string
	Type   uint16
	Server string // "ip:port" of the nameserver to ask

	ID     uint16   // wire message id the caller must use and echo back
	Notify bool     // true for an outbound NOTIFY rather than an ordinary lookup (spec.md §4.G)
	SOA    *dns.SOA // NOTIFY payload: the single SOA record to send

	// OuterName/OuterType/outerDepth/outerChain let Resume continue the
	// original top-level lookup when this Query was actually issued to
	// resolve missing NS glue partway through find_nearest_ns (spec.md
	// §4.D step 3 "NeedA(ns_name); the engine recurses to resolve that A
	// before returning") instead of answering q.Name/q.Type directly.
	OuterName  string
	OuterType  uint16
	outerDepth int
	outerChain []dns.RR
}

// Reply is the Resolver Engine's answer to a top-level lookup: either a
// positive RRset, a CNAME chain plus terminal RRset, or a negative result
// with the SOA that should govern negative-caching TTL.
type Reply struct {
	Kind  CacheEntryKind
	Name  string
	Type  uint16
	RRs   []dns.RR
	Chain []dns.RR // CNAME RRs walked to reach RRs, in order
	SOA   *dns.SOA
}

// maxReferrals bounds the nearest-NS hunting loop, grounded on solvere's
// maxReferrals loop-safety constant.
const maxReferrals = 16

// Resolver drives iterative/stub resolution against the Cache and, when
// stub mode can't answer locally, against the Trie for in-zone names
// (spec.md §4.D).
type Resolver struct {
	Cache *Cache
	Trie  *Trie
	Rand  *rand.Rand // caller-supplied; no hidden global randomness (spec.md Design Notes)
}

// NewResolver constructs a Resolver over an existing cache/trie pair.
func NewResolver(cache *Cache, trie *Trie, rng *rand.Rand) *Resolver {
	return &Resolver{Cache: cache, Trie: trie, Rand: rng}
}

// Lookup answers (qname, qtype) cache-first, falling back to the
// authoritative trie for names this instance is authoritative for, and
// otherwise reporting the next Query to send plus a resumable cursor.
// A nil Query with a non-nil Reply means resolution is complete.
func (r *Resolver) Lookup(qname string, qtype uint16, now time.Time) (*Reply, *Query, error) {
	qname = dns.Fqdn(qname)

	if strings.HasPrefix(qname, "_") {
		if reply, q, err, handled := r.lookupSRVShortcut(qname, qtype, now); handled {
			return reply, q, err
		}
	}

	return r.lookupChain(qname, qtype, now, 0, nil)
}

// lookupSRVShortcut implements spec.md §4.D's "_service._proto.owner SRV
// shortcut": an SRV query is answered directly from cache/trie without
// CNAME-chain walking, since SRV owners never carry CNAMEs per RFC 2782.
func (r *Resolver) lookupSRVShortcut(qname string, qtype uint16, now time.Time) (*Reply, *Query, error, bool) {
	if qtype != dns.TypeSRV {
		return nil, nil, nil, false
	}
	if entry, err := r.Cache.Query(qname, dns.TypeSRV, now); err == nil {
		return &Reply{Kind: CacheEntryRRset, Name: qname, Type: dns.TypeSRV, RRs: entry.RRs}, nil, nil, true
	}
	name := ParseName(qname)
	if rrset, apexName, _, err := r.Trie.Lookup(name, dns.TypeSRV); err == nil {
		_ = apexName
		return &Reply{Kind: CacheEntryRRset, Name: qname, Type: dns.TypeSRV, RRs: rrset.RRs}, nil, nil, true
	}
	return nil, nil, nil, false
}

// lookupChain walks CNAME indirection, preferring cache hits, then
// authoritative trie data, and finally asking the caller to query the
// nearest known nameserver. depth guards against alias loops the way
// maxReferrals guards referral loops.
func (r *Resolver) lookupChain(qname string, qtype uint16, now time.Time, depth int, chain []dns.RR) (*Reply, *Query, error) {
	if depth > maxReferrals {
		return nil, nil, ErrTooManyReferrals
	}

	if entry, err := r.Cache.Query(qname, qtype, now); err == nil {
		switch entry.Kind {
		case CacheEntryRRset:
			return &Reply{Kind: CacheEntryRRset, Name: qname, Type: qtype, RRs: entry.RRs, Chain: chain}, nil, nil
		case CacheEntryAlias:
			cname := &dns.CNAME{Hdr: dns.RR_Header{Name: qname, Rrtype: dns.TypeCNAME}, Target: entry.Target}
			return r.lookupChain(entry.Target, qtype, now, depth+1, append(chain, cname))
		case CacheEntryNoData, CacheEntryNoDomain, CacheEntryServFail:
			return &Reply{Kind: entry.Kind, Name: qname, Type: qtype, SOA: entry.SOA, Chain: chain}, nil, nil
		}
	}
	if entry, err := r.Cache.Query(qname, dns.TypeCNAME, now); err == nil {
		switch entry.Kind {
		case CacheEntryAlias:
			cname := &dns.CNAME{Hdr: dns.RR_Header{Name: qname, Rrtype: dns.TypeCNAME}, Target: entry.Target}
			return r.lookupChain(entry.Target, qtype, now, depth+1, append(chain, cname))
		case CacheEntryServFail:
			return &Reply{Kind: CacheEntryServFail, Name: qname, Type: qtype, SOA: entry.SOA, Chain: chain}, nil, nil
		}
	}

	name := ParseName(qname)
	rrset, apexName, _, err := r.Trie.Lookup(name, qtype)
	switch e := err.(type) {
	case nil:
		return &Reply{Kind: CacheEntryRRset, Name: qname, Type: qtype, RRs: rrset.RRs, Chain: chain}, nil, nil
	case *NotFoundError:
		return &Reply{Kind: CacheEntryNoDomain, Name: qname, Type: qtype, SOA: e.SOA, Chain: chain}, nil, nil
	case *EmptyNonTerminalError:
		if cname, rrs, ok := r.tryCNAME(name, apexName); ok {
			return r.lookupChain(cname, qtype, now, depth+1, append(chain, rrs...))
		}
		return &Reply{Kind: CacheEntryNoData, Name: qname, Type: qtype, SOA: e.SOA, Chain: chain}, nil, nil
	case *DelegationError:
		return r.referToNearestNS(e, qname, qtype, now, depth, chain)
	}
	if errors.Is(err, ErrNotAuthoritative) {
		// Nothing local knows this name at all: a genuine out-of-cache
		// lookup, resolved purely from the cache's own NS/glue knowledge
		// (spec.md §4.D step 3).
		return r.resolveViaNearestNS(qname, qtype, now, depth, chain)
	}
	return nil, nil, ErrServFail
}

func (r *Resolver) tryCNAME(name Name, apexName Name) (string, []dns.RR, bool) {
	rrset, _, _, err := r.Trie.Lookup(name, dns.TypeCNAME)
	if err != nil || len(rrset.RRs) == 0 {
		return "", nil, false
	}
	cname, ok := rrset.RRs[0].(*dns.CNAME)
	if !ok {
		return "", nil, false
	}
	return dns.Fqdn(cname.Target), rrset.RRs, true
}

// referToNearestNS handles a DelegationError surfaced by the authoritative
// trie: it seeds the cache with the delegation's NS RRset and any known
// in-bailiwick glue at RankZoneGlue, then hands off to the purely
// cache-driven find_nearest_ns (resolveViaNearestNS) so the actual server
// selection never touches the Trie directly (spec.md §4.D step 3's
// "(cache, now, rng, question)" signature has no trie parameter).
func (r *Resolver) referToNearestNS(d *DelegationError, qname string, qtype uint16, now time.Time, depth int, chain []dns.RR) (*Reply, *Query, error) {
	r.seedGlue(d, now)
	return r.resolveViaNearestNS(qname, qtype, now, depth, chain)
}

// seedGlue caches a delegation's NS RRset and its known in-bailiwick A/AAAA
// glue at RankZoneGlue (spec.md §3 Rank "ZoneGlue"), grounded on the
// teacher's FindGlue/FindDelegation pairing (auth_utils.go) but used only to
// populate the cache, never consulted directly by the server-selection
// algorithm itself.
func (r *Resolver) seedGlue(d *DelegationError, now time.Time) {
	if len(d.NS.RRs) == 0 {
		return
	}
	r.Cache.InsertRRset(d.Apex.String(), dns.TypeNS, d.NS.RRs, d.NS.TTL, RankZoneGlue, now)
	v4, v6 := r.Trie.Glue(d.Apex, d.NS)
	seedGlueByOwner(r.Cache, v4.RRs, dns.TypeA, now)
	seedGlueByOwner(r.Cache, v6.RRs, dns.TypeAAAA, now)
}

func seedGlueByOwner(c *Cache, rrs []dns.RR, tag uint16, now time.Time) {
	byOwner := map[string][]dns.RR{}
	for _, rr := range rrs {
		owner := dns.Fqdn(rr.Header().Name)
		byOwner[owner] = append(byOwner[owner], rr)
	}
	for owner, set := range byOwner {
		c.InsertRRset(owner, tag, set, set[0].Header().Ttl, RankZoneGlue, now)
	}
}

// findNearestNS implements spec.md §4.D step 3 (find_nearest_ns): starting
// from qname, walk toward the root looking up a cached NS RRset; for each
// candidate NS name look up cached A glue and choose uniformly at random
// among servers with a known address via the caller-supplied Rand. It never
// touches the Trie — this is the cache-only algorithm the spec names. A
// non-empty server return means "ask this address"; a non-empty needA
// return means the chosen NS has no cached address and needs resolving
// (spec.md "NeedA(ns_name)") before the caller can proceed.
func (r *Resolver) findNearestNS(qname string, now time.Time) (server, needA string, err error) {
	apex := ParseName(qname)
	for {
		entry, qerr := r.Cache.Query(apex.String(), dns.TypeNS, now)
		if qerr == nil && entry.Kind == CacheEntryRRset && len(entry.RRs) > 0 {
			var candidates, glued []string
			for _, rr := range entry.RRs {
				ns, ok := rr.(*dns.NS)
				if !ok {
					continue
				}
				target := dns.Fqdn(ns.Ns)
				candidates = append(candidates, target)
				if aEntry, aErr := r.Cache.Query(target, dns.TypeA, now); aErr == nil {
					for _, arr := range aEntry.RRs {
						if a, ok := arr.(*dns.A); ok {
							glued = append(glued, a.A.String())
						}
					}
				}
			}
			if len(glued) > 0 {
				idx := 0
				if r.Rand != nil {
					idx = r.Rand.Intn(len(glued))
				}
				return glued[idx] + ":53", "", nil
			}
			if len(candidates) > 0 {
				idx := 0
				if r.Rand != nil {
					idx = r.Rand.Intn(len(candidates))
				}
				chosen := candidates[idx]
				// In-bailiwick glue that's missing can't be bootstrapped by
				// resolving the name externally (it's served by the very
				// delegation we can't reach yet): climb toward root and
				// retry with a less specific NS set (spec.md §4.D "climb
				// one label toward root"). Out-of-bailiwick NS targets are
				// ordinary names: ask the caller to resolve their A first.
				if !ParseName(chosen).IsSubdomainOf(apex) {
					return "", chosen, nil
				}
			}
		}
		if apex.IsRoot() {
			return "", "", ErrNoRootServer
		}
		parent, perr := apex.Parent()
		if perr != nil {
			return "", "", ErrNoRootServer
		}
		apex = parent
	}
}

// resolveViaNearestNS drives findNearestNS to completion, recursing through
// lookupChain to resolve missing out-of-bailiwick glue (spec.md §4.D "the
// engine recurses to resolve that A before returning") before emitting the
// Query the caller must actually perform.
func (r *Resolver) resolveViaNearestNS(qname string, qtype uint16, now time.Time, depth int, chain []dns.RR) (*Reply, *Query, error) {
	if depth > maxReferrals {
		return nil, nil, ErrTooManyReferrals
	}
	server, needA, err := r.findNearestNS(qname, now)
	if err != nil {
		return nil, nil, err
	}
	if server != "" {
		return nil, &Query{Name: qname, Type: qtype, Server: server}, nil
	}

	reply, q, err := r.lookupChain(needA, dns.TypeA, now, depth+1, nil)
	if err != nil {
		return nil, nil, err
	}
	if q != nil {
		// The glue itself needs an outbound query: stash the outer question
		// so Resume continues the original lookup once it answers.
		q.OuterName, q.OuterType = qname, qtype
		q.outerDepth, q.outerChain = depth, chain
		return nil, q, nil
	}
	if reply != nil && reply.Kind == CacheEntryRRset {
		var ttl uint32 = 300
		if len(reply.RRs) > 0 {
			ttl = reply.RRs[0].Header().Ttl
		}
		r.Cache.InsertRRset(needA, dns.TypeA, reply.RRs, ttl, RankAdditional, now)
	}
	return r.resolveViaNearestNS(qname, qtype, now, depth+1, chain)
}

// Resume feeds a Query's result back into resolution after the caller
// performed the I/O the Query described, applying Scrub then retrying the
// lookup from cache.
func (r *Resolver) Resume(mode ScrubMode, q *Query, msg *dns.Msg, rank Rank, now time.Time) (*Reply, *Query, error) {
	results, err := Scrub(mode, q.Name, q.Type, msg)
	if err != nil {
		return nil, nil, err
	}
	for _, res := range results {
		res.Store(r.Cache, rank, now)
	}
	if q.OuterName != "" {
		// This Query only resolved glue along the way; continue the
		// original lookup it was resolving glue for.
		return r.lookupChain(q.OuterName, q.OuterType, now, q.outerDepth+1, q.outerChain)
	}
	return r.lookupChain(q.Name, q.Type, now, 0, nil)
}
