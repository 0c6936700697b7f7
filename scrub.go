/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"time"

	"github.com/miekg/dns"
)

// ScrubMode selects how an upstream reply is interpreted before caching,
// per spec.md §4.C. Only ScrubModeStub is implemented; ScrubModeRecursive
// is reserved for a future recursive-mode resolver and returns
// ErrNotImplemented (see DESIGN.md Open Question decisions).
type ScrubMode uint8

const (
	ScrubModeStub ScrubMode = iota
	ScrubModeRecursive
)

// ScrubResult is the classified outcome of a single upstream reply, ready
// for Cache.Insert (spec.md §4.C "classify a received message into
// cache-insertable records").
type ScrubResult struct {
	Kind CacheEntryKind
	Name string
	Tag  uint16
	RRs  []dns.RR
	SOA  *dns.SOA
}

// invalidSOA synthesizes the placeholder SOA spec.md §4.C mandates when an
// upstream NXDOMAIN/NODATA carries no authority-section SOA to key negative
// caching off of, grounded on the teacher's defensive nil-checking style in
// zone_utils.go (GetSOA callers always have a fallback path).
func invalidSOA(name string) *dns.SOA {
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: name, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 300},
		Ns:      "ns.invalid." + name,
		Mbox:    "hostmaster.invalid." + name,
		Serial:  1,
		Refresh: 16384,
		Retry:   2048,
		Expire:  1048576,
		Minttl:  300,
	}
}

// Scrub classifies msg, the reply to a query for (qname, qtype), into a
// chain of ScrubResults: one per CNAME hop walked plus a terminal
// RRset/NoData/NXDomain/ServFail result, per spec.md §4.C's NoError/
// NXDomain/ServFail classification rules.
func Scrub(mode ScrubMode, qname string, qtype uint16, msg *dns.Msg) ([]ScrubResult, error) {
	if mode == ScrubModeRecursive {
		return nil, ErrNotImplemented
	}
	if msg == nil {
		return []ScrubResult{scrubServFail(qname)}, nil
	}
	switch msg.Rcode {
	case dns.RcodeServerFailure:
		return []ScrubResult{scrubServFail(qname)}, nil
	case dns.RcodeFormatError, dns.RcodeRefused, dns.RcodeNotImplemented:
		return nil, wireErr(msg.Rcode, "dnscore: upstream returned "+dns.RcodeToString[msg.Rcode])
	case dns.RcodeNameError:
		return []ScrubResult{scrubNegative(qname, qtype, msg, CacheEntryNoDomain)}, nil
	case dns.RcodeSuccess:
		// fall through
	default:
		return nil, wireErr(dns.RcodeServerFailure, "dnscore: unexpected upstream rcode")
	}

	results, terminal, err := walkCNAMEChain(qname, qtype, msg)
	if err != nil {
		return nil, err
	}
	if terminal != "" {
		// chain ended without reaching qtype at the final owner: NODATA.
		results = append(results, scrubNegative(terminal, qtype, msg, CacheEntryNoData))
	}
	return results, nil
}

// walkCNAMEChain follows CNAME RRs in msg.Answer from qname toward qtype,
// grounded on rolandshoemaker/solvere's resolver.go separation of
// "interpret an upstream answer" from "serve from cache". Returns the
// owner name still needing qtype if the chain ends without a terminal
// answer (terminal == "" means a terminal RRset was found and appended).
func walkCNAMEChain(qname string, qtype uint16, msg *dns.Msg) ([]ScrubResult, string, error) {
	var results []ScrubResult
	seen := map[string]bool{}
	current := dns.Fqdn(qname)

	for hops := 0; hops < 32; hops++ {
		if seen[current] {
			return nil, "", ErrTooManyReferrals
		}
		seen[current] = true

		var direct []dns.RR
		var cname *dns.CNAME
		for _, rr := range msg.Answer {
			if dns.Fqdn(rr.Header().Name) != dns.Fqdn(current) {
				continue
			}
			if rr.Header().Rrtype == qtype {
				direct = append(direct, rr)
			} else if c, ok := rr.(*dns.CNAME); ok {
				cname = c
			}
		}
		if len(direct) > 0 {
			results = append(results, ScrubResult{Kind: CacheEntryRRset, Name: current, Tag: qtype, RRs: direct})
			return results, "", nil
		}
		if cname != nil {
			results = append(results, ScrubResult{Kind: CacheEntryAlias, Name: current, Tag: qtype, RRs: []dns.RR{cname}})
			current = dns.Fqdn(cname.Target)
			continue
		}
		return results, current, nil
	}
	return nil, "", ErrTooManyReferrals
}

// scrubServFail synthesizes the ServFail(invalid_soa(qname)) result spec.md
// §4.C mandates, cached under tag CNAME as a name-level failure so a later
// query for a different qtype at the same name doesn't re-trigger the query
// that just failed. NXDOMAIN results are not stored this way: Scrub caches
// them under the queried type.
func scrubServFail(qname string) ScrubResult {
	name := dns.Fqdn(qname)
	return ScrubResult{Kind: CacheEntryServFail, Name: name, Tag: dns.TypeCNAME, SOA: invalidSOA(name)}
}

func scrubNegative(name string, tag uint16, msg *dns.Msg, kind CacheEntryKind) ScrubResult {
	for _, rr := range msg.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			return ScrubResult{Kind: kind, Name: name, Tag: tag, SOA: soa}
		}
	}
	return ScrubResult{Kind: kind, Name: name, Tag: tag, SOA: invalidSOA(dns.Fqdn(name))}
}

// Store applies a classified ScrubResult to the cache at rank, called once
// per element of Scrub's returned chain (spec.md §4.C / §4.B interaction).
func (r ScrubResult) Store(c *Cache, rank Rank, now time.Time) {
	switch r.Kind {
	case CacheEntryRRset:
		var ttl uint32 = 300
		if len(r.RRs) > 0 {
			ttl = r.RRs[0].Header().Ttl
		}
		c.InsertRRset(r.Name, r.Tag, r.RRs, ttl, rank, now)
	case CacheEntryAlias:
		cname := r.RRs[0].(*dns.CNAME)
		c.InsertAlias(r.Name, r.Tag, dns.Fqdn(cname.Target), cname.Hdr.Ttl, rank, now)
	case CacheEntryNoData, CacheEntryNoDomain, CacheEntryServFail:
		var ttl uint32 = 300
		if r.SOA != nil {
			ttl = r.SOA.Minttl
		}
		c.Insert(r.Name, r.Tag, &CacheEntry{Kind: r.Kind, Name: r.Name, Tag: r.Tag, SOA: r.SOA, Rank: rank, Expiry: now.Add(clampTTL(ttl))})
	}
}
