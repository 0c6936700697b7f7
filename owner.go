/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// OwnerData is the per-name RR map: one RRset per variant-tag, keyed by
// dns.Type*, grounded on the teacher's OwnerData/RRTypeStore (rrtypestore.go)
// but narrowed to the spec's single invariant: "at most one RRset per
// variant-tag" per name (spec.md §3).
type OwnerData struct {
	Name    string
	RRtypes cmap.ConcurrentMap[uint16, RRset]
}

// NewOwnerData allocates an empty per-name RR map, mirroring the teacher's
// NewOwnerData (rrtypestore.go).
func NewOwnerData(name string) *OwnerData {
	return &OwnerData{
		Name: name,
		RRtypes: cmap.NewWithCustomShardingFunction[uint16, RRset](func(key uint16) uint32 {
			return uint32(key)
		}),
	}
}

// IsEmpty reports whether the owner name carries no RRsets at all (spec.md
// §4.A "EmptyNonTerminal" detection: an interior node with zero RRsets).
func (o *OwnerData) IsEmpty() bool { return o.RRtypes.Count() == 0 }

// HasCNAME reports whether this owner holds a CNAME RRset.
func (o *OwnerData) HasCNAME() bool {
	_, ok := o.RRtypes.Get(dns.TypeCNAME)
	return ok
}

// CheckCoexistence enforces spec.md §3's CNAME-coexistence invariant: "A
// name holding CNAME MUST NOT hold any other RRset."
func (o *OwnerData) CheckCoexistence() error {
	if _, ok := o.RRtypes.Get(dns.TypeCNAME); ok && o.RRtypes.Count() > 1 {
		return ErrCNAMECoexistence
	}
	return nil
}

// Keys returns the set of variant-tags present at this owner.
func (o *OwnerData) Keys() []uint16 { return o.RRtypes.Keys() }
