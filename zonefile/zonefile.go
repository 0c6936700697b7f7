/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

// Package zonefile loads RFC 1035 master-file zone data into a
// dnscore.Trie. It is the external zone-file parser spec.md §1 names as a
// collaborator the core assumes rather than implements; it wraps
// miekg/dns's own tokenizer rather than reimplementing one, the way the
// teacher's ParseZoneFromReader (dnsutils.go) wraps dns.NewZoneParser.
package zonefile

import (
	"fmt"
	"io"

	"github.com/johanix/dnscore"
	"github.com/miekg/dns"
)

// LoadInto parses a zone-file stream under origin and merges every RRset
// into trie, returning the apex SOA serial. Only class IN is accepted
// (spec.md §6 "Class MUST be IN"); any other class is a parse error.
func LoadInto(r io.Reader, origin string, trie *dnscore.Trie) (uint32, error) {
	zp := dns.NewZoneParser(r, origin, "")
	zp.SetIncludeAllowed(true)

	grouped := map[string]map[uint16][]dns.RR{}
	var order []string
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		if rr.Header().Class != dns.ClassINET {
			return 0, fmt.Errorf("dnscore/zonefile: %s: class %s not supported, only IN",
				rr.Header().Name, dns.ClassToString[rr.Header().Class])
		}
		name := rr.Header().Name
		if grouped[name] == nil {
			grouped[name] = map[uint16][]dns.RR{}
			order = append(order, name)
		}
		tag := rr.Header().Rrtype
		grouped[name][tag] = append(grouped[name][tag], rr)
	}
	if err := zp.Err(); err != nil {
		return 0, fmt.Errorf("dnscore/zonefile: %w", err)
	}

	var serial uint32
	for _, name := range order {
		byTag := grouped[name]
		owner := dnscore.ParseName(name)
		for tag, rrs := range byTag {
			if err := trie.Insert(owner, tag, dnscore.RRset{TTL: rrs[0].Header().Ttl, RRs: rrs}); err != nil {
				return 0, fmt.Errorf("dnscore/zonefile: %s: %w", name, err)
			}
			if tag == dns.TypeSOA {
				if soa, ok := rrs[0].(*dns.SOA); ok {
					serial = soa.Serial
				}
			}
		}
	}
	return serial, nil
}
