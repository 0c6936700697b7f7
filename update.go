/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"github.com/miekg/dns"
)

// handleUpdate implements the UPDATE branch of spec.md §4.E (RFC 2136),
// grounded on the teacher's updatepolicy.go (ApproveChildUpdate/
// ApproveAuthUpdate prereq-then-action staging) and zone_updater.go
// (ApplyZoneUpdateToZoneData's per-RR class dispatch), restructured onto a
// cloned zone subtree so a failed prereq or failed check leaves the live
// trie untouched (spec.md Testable Property 5).
func (a *Authority) handleUpdate(pkt *Packet, reply *dns.Msg) (*dns.Msg, []SideEffect, error) {
	zone := ParseName(pkt.Msg.Question[0].Name)

	if pkt.KeyName == "" || !pkt.TsigVerified ||
		(!a.Auth.Authorise(pkt.KeyName, zone, OpUpdate) && !a.Auth.Authorise(pkt.KeyName, zone, OpKeyManagement)) {
		reply.Rcode = dns.RcodeNotAuth
		return reply, nil, nil
	}

	for _, rr := range pkt.Msg.Answer {
		if !ParseName(rr.Header().Name).IsSubdomainOf(zone) {
			reply.Rcode = dns.RcodeNotZone
			return reply, nil, nil
		}
	}
	for _, rr := range pkt.Msg.Ns {
		if isDeleteClass(rr.Header().Class) && !ParseName(rr.Header().Name).IsSubdomainOf(zone) {
			reply.Rcode = dns.RcodeNotZone
			return reply, nil, nil
		}
	}

	if err := a.checkPrereqs(zone, pkt.Msg.Answer); err != nil {
		reply.Rcode = ToRcode(err)
		return reply, nil, nil
	}

	priorSOA, ok := a.Data.GetSOA(zone)
	if !ok {
		reply.Rcode = dns.RcodeNameError
		return reply, nil, nil
	}

	shadow, err := a.Data.CloneZone(zone)
	if err != nil {
		reply.Rcode = dns.RcodeServerFailure
		return reply, nil, nil
	}

	var outOfZoneAdds []dns.RR
	for _, rr := range pkt.Msg.Ns {
		name := ParseName(rr.Header().Name)
		if !isDeleteClass(rr.Header().Class) && !name.IsSubdomainOf(zone) {
			outOfZoneAdds = append(outOfZoneAdds, rr) // out-of-zone Add: permitted, applied to the live trie directly
			continue
		}
		applyUpdateRR(shadow, name, rr)
	}

	if err := shadow.Check(); err != nil {
		reply.Rcode = dns.RcodeFormatError
		return reply, nil, nil
	}

	bumpSerialIfUnchanged(shadow, zone, priorSOA.Serial)

	zoneNode, _ := shadow.descend(zone, false)
	a.Data.ReplaceZone(zone, zoneNode)
	for _, rr := range outOfZoneAdds {
		a.Data.Insert(ParseName(rr.Header().Name), rr.Header().Rrtype, RRset{TTL: rr.Header().Ttl, RRs: []dns.RR{dns.Copy(rr)}})
	}

	newSOA, _ := a.Data.GetSOA(zone)
	reply.Rcode = dns.RcodeSuccess
	return reply, []SideEffect{{Notify: &NotifyOutbound{Zone: zone, SOA: newSOA}}}, nil
}

func isDeleteClass(class uint16) bool { return class == dns.ClassNONE || class == dns.ClassANY }

// applyUpdateRR performs one RFC 2136 §2.5 update action against shadow,
// dispatching on the RR's class the way the teacher's
// ApplyZoneUpdateToZoneData does: ClassANY deletes (an RRset, or the whole
// name when rrtype is ANY too), ClassNONE subtracts a single RR, anything
// else (the zone's own class, IN) adds.
func applyUpdateRR(shadow *Trie, name Name, rr dns.RR) {
	switch rr.Header().Class {
	case dns.ClassANY:
		if rr.Header().Rrtype == dns.TypeANY {
			shadow.RemoveAll(name)
			return
		}
		shadow.Remove(name, rr.Header().Rrtype)
	case dns.ClassNONE:
		removeSingleRR(shadow, name, rr)
	default:
		addRR(shadow, name, rr)
	}
}

// removeSingleRR implements spec.md §4.E "RemoveSingle(name, tag, values)":
// subtract one RR from the stored set, deleting the tag entirely if the
// set becomes empty. Grounded on RRset.RemoveRR (rrset.go), itself
// grounded on the teacher's zone_updater.go.
func removeSingleRR(shadow *Trie, name Name, rr dns.RR) {
	existing, _, _, err := shadow.Lookup(name, rr.Header().Rrtype)
	if err != nil {
		return
	}
	target := dns.Copy(rr)
	target.Header().Class = dns.ClassINET // stored RRs are class IN; the delete carries NONE
	existing.RemoveRR(target)
	if len(existing.RRs) == 0 {
		shadow.Remove(name, rr.Header().Rrtype)
		return
	}
	_ = shadow.Insert(name, rr.Header().Rrtype, existing)
}

// addRR implements spec.md §4.E "Add(name, tag, value) unions into existing
// or inserts fresh". Single-value types (CNAME, PTR, SOA) are replaced
// rather than unioned.
func addRR(shadow *Trie, name Name, rr dns.RR) {
	existing, _, _, err := shadow.Lookup(name, rr.Header().Rrtype)
	if err != nil {
		existing = RRset{}
	}
	if existing.ContainsRR(rr) {
		return
	}
	if singleValueType(rr.Header().Rrtype) {
		existing = RRset{}
	}
	existing.TTL = rr.Header().Ttl
	existing.RRs = append(existing.RRs, dns.Copy(rr))
	_ = shadow.Insert(name, rr.Header().Rrtype, existing)
}

// bumpSerialIfUnchanged increments the zone's SOA serial by one if the
// update didn't already change it (spec.md §4.E "If SOA serial did not
// advance, increment it by 1"), grounded on the teacher's BumpSerial
// lock-mutate-bump idiom.
func bumpSerialIfUnchanged(shadow *Trie, zone Name, priorSerial uint32) {
	soa, ok := shadow.GetSOA(zone)
	if !ok {
		return
	}
	if soa.Serial != priorSerial {
		return // an Add/Remove in the update set already replaced the SOA
	}
	bumped := dns.Copy(soa).(*dns.SOA)
	bumped.Serial++
	_ = shadow.Insert(zone, dns.TypeSOA, RRset{TTL: bumped.Hdr.Ttl, RRs: []dns.RR{bumped}})
}

// Prereq kinds, spec.md §4.E "Prereq semantics".
type prereqKind int

const (
	prereqNameInUse prereqKind = iota
	prereqExists
	prereqNotNameInUse
	prereqNotExists
	prereqExistsData
)

// checkPrereqs validates every RR in the prerequisite section against the
// live (unmodified) trie before any update action is applied, satisfying
// spec.md's atomicity requirement by construction: nothing is mutated
// until every prereq has already passed.
func (a *Authority) checkPrereqs(zone Name, prereqs []dns.RR) error {
	existsData := map[string]RRset{}
	existsDataOrder := []string{}
	for _, rr := range prereqs {
		name := ParseName(rr.Header().Name)
		kind, ok := classifyPrereq(rr)
		if !ok {
			continue
		}
		switch kind {
		case prereqNameInUse:
			if !a.Data.NameExists(name) {
				return ErrNXDomain
			}
		case prereqNotNameInUse:
			if a.Data.NameExists(name) {
				return ErrYXDomain
			}
		case prereqExists:
			if _, _, _, err := a.Data.Lookup(name, rr.Header().Rrtype); err != nil {
				return ErrNXRRSet
			}
		case prereqNotExists:
			if _, _, _, err := a.Data.Lookup(name, rr.Header().Rrtype); err == nil {
				return ErrYXRRSet
			}
		case prereqExistsData:
			key := rr.Header().Name + "/" + dns.TypeToString[rr.Header().Rrtype]
			set := existsData[key]
			set.RRs = append(set.RRs, rr)
			existsData[key] = set
			if !contains(existsDataOrder, key) {
				existsDataOrder = append(existsDataOrder, key)
			}
		}
	}
	for _, key := range existsDataOrder {
		want := existsData[key]
		rr0 := want.RRs[0]
		got, _, _, err := a.Data.Lookup(ParseName(rr0.Header().Name), rr0.Header().Rrtype)
		if err != nil || !got.Equal(want) {
			return ErrNXRRSet
		}
	}
	return nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// classifyPrereq reads the RFC 2136 §2.4 class/type/rdlength encoding off
// an RR in the prerequisite section.
func classifyPrereq(rr dns.RR) (prereqKind, bool) {
	h := rr.Header()
	switch h.Class {
	case dns.ClassANY:
		if h.Rrtype == dns.TypeANY {
			return prereqNameInUse, true
		}
		return prereqExists, true
	case dns.ClassNONE:
		if h.Rrtype == dns.TypeANY {
			return prereqNotNameInUse, true
		}
		return prereqNotExists, true
	case dns.ClassINET:
		return prereqExistsData, true
	default:
		return 0, false
	}
}
