/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"log"
	"time"

	"github.com/miekg/dns"
)

// SecondaryState is the per-zone state spec.md §3 names, narrowed to a tag
// plus the fields relevant to that tag (grounded on the teacher's
// RefreshEngine per-zone bookkeeping, restructured as an explicit enum per
// spec.md §4.H instead of the teacher's ticker-goroutine loop).
type SecondaryState uint8

const (
	StateTransferred SecondaryState = iota
	StateRequestedSOA
	StateRequestedAXFR
)

// SecondaryZone tracks one zone's replication state on a secondary server.
type SecondaryZone struct {
	Zone     Name
	PeerIP   string
	PeerPort int
	KeyName  string

	State       SecondaryState
	Since       time.Time // ts of entering the current state
	OutstandID  uint16
	RetryCount  int
	outstandMAC []byte
}

// NewSecondaryZone bootstraps a zone in the immediately-due RequestedSOA
// state (spec.md §4.H "Initial state after bootstrap").
func NewSecondaryZone(zone Name, peerIP string, peerPort int, keyName string) *SecondaryZone {
	return &SecondaryZone{
		Zone: zone, PeerIP: peerIP, PeerPort: peerPort, KeyName: keyName,
		State: StateRequestedSOA, Since: time.Time{},
	}
}

// Secondary is the Secondary State machine (component H): a collection of
// per-zone replication states plus the timer/event transitions of spec.md
// §4.H, grounded on the teacher's refreshengine.go (RefreshCounter,
// serial-mod-2^32 comparison, DoTransfer sequence).
type Secondary struct {
	Data  *Trie
	Zones map[string]*SecondaryZone
	NextID func() uint16
}

// NewSecondary wires a Secondary State machine over a data trie.
func NewSecondary(data *Trie, idSource func() uint16) *Secondary {
	return &Secondary{Data: data, Zones: map[string]*SecondaryZone{}, NextID: idSource}
}

func clampNow(now, lastNow time.Time) time.Time {
	if now.Before(lastNow) {
		return lastNow
	}
	return now
}

// Timer drives one zone's transitions per spec.md §4.H "On timer(now)".
// now is clamped against the zone's own Since timestamp per spec.md §5's
// "tolerate non-strictly-monotonic inputs by treating now < last_now as
// now = last_now".
func (s *Secondary) Timer(zone string, now time.Time) []*Query {
	z, ok := s.Zones[zone]
	if !ok {
		return nil
	}
	now = clampNow(now, z.Since)

	switch z.State {
	case StateTransferred:
		soa, ok := s.Data.GetSOA(z.Zone)
		if !ok {
			return nil
		}
		refresh := time.Duration(soa.Refresh) * time.Second
		if !now.Before(z.Since.Add(refresh)) {
			return s.sendSOAQuery(z, now)
		}
	case StateRequestedSOA:
		soa, hasSOA := s.Data.GetSOA(z.Zone)
		if hasSOA {
			expiry := time.Duration(soa.Expire) * time.Second
			if !now.Before(z.Since.Add(expiry)) {
				s.Data.RemoveZone(z.Zone)
				delete(s.Zones, zone)
				return nil
			}
		}
		retryDelay := 5 * time.Second
		if hasSOA {
			retryDelay = time.Duration(z.RetryCount) * time.Duration(soa.Retry) * time.Second
			if retryDelay == 0 {
				retryDelay = 5 * time.Second
			}
		}
		if !now.Before(z.Since.Add(retryDelay)) {
			return s.sendSOAQuery(z, now)
		}
	case StateRequestedAXFR:
		if !now.Before(z.Since.Add(5 * time.Second)) {
			z.Since = now
			return []*Query{{Name: z.Zone.String(), Type: dns.TypeAXFR, Server: z.PeerIP, ID: z.OutstandID}}
		}
	}
	return nil
}

func (s *Secondary) sendSOAQuery(z *SecondaryZone, now time.Time) []*Query {
	z.State = StateRequestedSOA
	z.Since = now
	z.OutstandID = s.NextID()
	z.RetryCount++
	return []*Query{{Name: z.Zone.String(), Type: dns.TypeSOA, Server: z.PeerIP, ID: z.OutstandID}}
}

// AcceptSOA handles a SOA answer received while in RequestedSOA: if the
// peer's serial is newer (RFC 1982 mod-2^32 comparison) than the stored
// one, request AXFR; otherwise the zone is already current (spec.md §4.H).
func (s *Secondary) AcceptSOA(zone string, peerSOA *dns.SOA, now time.Time) []*Query {
	z, ok := s.Zones[zone]
	if !ok || z.State != StateRequestedSOA {
		return nil
	}
	localSOA, hasLocal := s.Data.GetSOA(z.Zone)
	if hasLocal && !serialNewer(peerSOA.Serial, localSOA.Serial) {
		z.State = StateTransferred
		z.Since = now
		return nil
	}
	z.State = StateRequestedAXFR
	z.Since = now
	z.OutstandID = s.NextID()
	return []*Query{{Name: z.Zone.String(), Type: dns.TypeAXFR, Server: z.PeerIP, ID: z.OutstandID}}
}

// serialNewer implements RFC 1982 serial number arithmetic: a is "newer"
// than b iff ((a - b) mod 2^32) is in (0, 2^31).
func serialNewer(a, b uint32) bool {
	diff := a - b
	return diff != 0 && diff < (1<<31)
}

// ApplyTransfer applies an AXFR reply received while in RequestedAXFR:
// requires the transferred SOA to be newer than the local one (or no local
// SOA), filters entries to those under the zone, replaces the zone
// wholesale, and runs check — logging but still committing on failure
// (spec.md §4.H / §7; see DESIGN.md's Open Question decision).
func (s *Secondary) ApplyTransfer(zone string, rrs []dns.RR, now time.Time) error {
	z, ok := s.Zones[zone]
	if !ok || z.State != StateRequestedAXFR {
		return ErrNotImplemented
	}
	var soa *dns.SOA
	var zoneRRs []dns.RR
	for _, rr := range rrs {
		if !ParseName(rr.Header().Name).IsSubdomainOf(z.Zone) {
			continue
		}
		if soaRR, isSOA := rr.(*dns.SOA); isSOA && soa == nil {
			soa = soaRR
			continue
		}
		zoneRRs = append(zoneRRs, rr)
	}
	if soa == nil {
		return ErrMultipleSOA
	}
	if localSOA, hasLocal := s.Data.GetSOA(z.Zone); hasLocal && !serialNewer(soa.Serial, localSOA.Serial) {
		z.State = StateTransferred
		z.Since = now
		return nil
	}

	s.Data.RemoveZone(z.Zone)
	_ = s.Data.Insert(z.Zone, dns.TypeSOA, RRset{TTL: soa.Hdr.Ttl, RRs: []dns.RR{soa}})
	byOwnerTag := map[string]map[uint16][]dns.RR{}
	for _, rr := range zoneRRs {
		name := ParseName(rr.Header().Name).String()
		if byOwnerTag[name] == nil {
			byOwnerTag[name] = map[uint16][]dns.RR{}
		}
		byOwnerTag[name][rr.Header().Rrtype] = append(byOwnerTag[name][rr.Header().Rrtype], rr)
	}
	for name, byTag := range byOwnerTag {
		for tag, set := range byTag {
			_ = s.Data.Insert(ParseName(name), tag, RRset{TTL: set[0].Header().Ttl, RRs: set})
		}
	}

	checkErr := s.Data.Check()
	if checkErr != nil {
		log.Printf("dnscore: secondary: zone %s: check after transfer: %v", z.Zone.String(), checkErr)
	}
	z.State = StateTransferred
	z.Since = now
	return checkErr
}

// AcceptNotify handles a NOTIFY received from the configured primary peer,
// triggering an immediate SOA query (spec.md §4.H "NOTIFY received").
// NOTIFYs from any other source are ignored.
func (s *Secondary) AcceptNotify(zone string, fromIP string, now time.Time) []*Query {
	z, ok := s.Zones[zone]
	if !ok || fromIP != z.PeerIP {
		return nil
	}
	return s.sendSOAQuery(z, now)
}
