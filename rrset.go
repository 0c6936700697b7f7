/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"github.com/miekg/dns"
)

// RRset is (ttl, payload) for one owner name and one variant-tag, mirroring
// the teacher's RRset struct (structs.go) but storing dns.RR values directly
// rather than a separate RRSIG slice, since DNSSEC signing is out of scope.
type RRset struct {
	TTL uint32
	RRs []dns.RR
}

// Copy deep-copies an RRset (dns.Copy per RR), grounded on the teacher's
// habit of dns.Copy-ing before mutating (zone_updater.go).
func (r RRset) Copy() RRset {
	out := RRset{TTL: r.TTL, RRs: make([]dns.RR, len(r.RRs))}
	for i, rr := range r.RRs {
		out.RRs[i] = dns.Copy(rr)
	}
	return out
}

// RemoveRR drops the first RR structurally identical (per dns.IsDuplicate)
// to target, grounded on the teacher's RRset.RemoveRR (zone_updater.go),
// used by removeSingleRR in update.go (spec.md §4.E "RemoveSingle").
func (r *RRset) RemoveRR(target dns.RR) bool {
	for i, rr := range r.RRs {
		if dns.IsDuplicate(rr, target) {
			r.RRs = append(r.RRs[:i], r.RRs[i+1:]...)
			return true
		}
	}
	return false
}

// ContainsRR reports whether target already has a structural duplicate in r.
func (r RRset) ContainsRR(target dns.RR) bool {
	for _, rr := range r.RRs {
		if dns.IsDuplicate(rr, target) {
			return true
		}
	}
	return false
}

// Equal does an unordered structural comparison, used by the UPDATE
// prerequisite ExistsData(name, tag, exact) (spec.md §4.E).
func (r RRset) Equal(o RRset) bool {
	if len(r.RRs) != len(o.RRs) {
		return false
	}
	used := make([]bool, len(o.RRs))
outer:
	for _, rr := range r.RRs {
		for j, orr := range o.RRs {
			if !used[j] && dns.IsDuplicate(rr, orr) {
				used[j] = true
				continue outer
			}
		}
		return false
	}
	return true
}

// Rank is a total order on the trustworthiness of cached data; the larger
// value always wins a cache insert contest (spec.md §3 "Rank"). Declared as
// a distinct type (not raw int) so callers can't accidentally compare it to
// an unrelated integer.
type Rank uint8

const (
	RankAdditional Rank = iota + 1
	RankNonAuthoritativeAnswer
	RankZoneGlue
	RankAuthoritativeAuthority
	RankAuthoritativeAnswer
	RankZoneTransfer
	RankZoneFile
)

func (r Rank) String() string {
	switch r {
	case RankZoneFile:
		return "ZoneFile"
	case RankZoneTransfer:
		return "ZoneTransfer"
	case RankAuthoritativeAnswer:
		return "AuthoritativeAnswer"
	case RankAuthoritativeAuthority:
		return "AuthoritativeAuthority"
	case RankZoneGlue:
		return "ZoneGlue"
	case RankNonAuthoritativeAnswer:
		return "NonAuthoritativeAnswer"
	case RankAdditional:
		return "Additional"
	default:
		return "UnknownRank"
	}
}

// recordCatalog is the closed set of RR type tags the engine understands
// for Query processing (spec.md §4.E "Query" restricts tags to this set,
// plus ANY). Matching on dns.Type* constants directly (no custom enum) is
// the teacher's own convention throughout queryresponder.go.
var recordCatalog = map[uint16]bool{
	dns.TypeA:      true,
	dns.TypeAAAA:   true,
	dns.TypeNS:     true,
	dns.TypeCNAME:  true,
	dns.TypePTR:    true,
	dns.TypeMX:     true,
	dns.TypeTXT:    true,
	dns.TypeSRV:    true,
	dns.TypeSOA:    true,
	dns.TypeCAA:    true,
	dns.TypeTLSA:   true,
	dns.TypeSSHFP:  true,
	dns.TypeDNSKEY: true,
}

// IsCatalogType reports whether rrtype is one of the closed set of variants
// spec.md §3 names (the "polymorphic record map").
func IsCatalogType(rrtype uint16) bool { return recordCatalog[rrtype] }

// singleValueType is true for variants that spec.md §3 says hold a single
// value rather than a set (CNAME, PTR, SOA).
func singleValueType(rrtype uint16) bool {
	switch rrtype {
	case dns.TypeCNAME, dns.TypePTR, dns.TypeSOA:
		return true
	default:
		return false
	}
}
