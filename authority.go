/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"github.com/miekg/dns"
)

// Packet is the decoded input to Authority.Handle: wire codec, TSIG
// verification, and transport are all external collaborators (spec.md §1),
// so this is a typed view over an already-decoded, already-TSIG-checked
// *dns.Msg plus the facts the codec/TSIG layer established about it.
type Packet struct {
	Msg          *dns.Msg
	TCP          bool
	KeyName      string // empty if unsigned
	TsigVerified bool
	PeerIP       string
	PeerPort     int
}

// SideEffect is an outgoing action the caller must perform after Handle
// returns: a NOTIFY to emit, or a new transfer subscriber to remember.
type SideEffect struct {
	Notify     *NotifyOutbound
	Subscriber *TCPSubscriber
}

// NotifyOutbound is a NOTIFY packet Authority asks the caller to hand to
// Primary.Notify (spec.md §4.E "compute NOTIFY packets for the zone").
type NotifyOutbound struct {
	Zone Name
	SOA  *dns.SOA
}

// TCPSubscriber records an AXFR-over-TCP peer as an ad-hoc NOTIFY
// recipient (spec.md §4.E "record the (zone, peer-ip, peer-port) as a
// NOTIFY subscriber").
type TCPSubscriber struct {
	Zone     Name
	PeerIP   string
	PeerPort int
}

// queryTags is the restricted tag set spec.md §4.E names for Query
// processing; anything else is Refused.
var queryTags = map[uint16]bool{
	dns.TypeA: true, dns.TypeNS: true, dns.TypeCNAME: true, dns.TypeSOA: true,
	dns.TypePTR: true, dns.TypeMX: true, dns.TypeTXT: true, dns.TypeAAAA: true,
	dns.TypeSRV: true, dns.TypeANY: true, dns.TypeCAA: true, dns.TypeSSHFP: true,
	dns.TypeTLSA: true, dns.TypeDNSKEY: true,
}

// Authority is the Authority Engine (component E): a pure handle(packet)
// -> (reply, side-effects) function over the data trie and the Auth
// Module, grounded on the teacher's QueryResponder/UpdateResponder
// dispatch shape (queryresponder.go) but collapsed into a single Handle
// entry point per spec.md §5 (no internal goroutines/engines).
type Authority struct {
	Data *Trie
	Auth *AuthModule
}

// NewAuthority wires a data trie and an Auth Module together.
func NewAuthority(data *Trie, auth *AuthModule) *Authority {
	return &Authority{Data: data, Auth: auth}
}

// Handle dispatches packet by opcode, per spec.md §4.E.
func (a *Authority) Handle(pkt *Packet) (*dns.Msg, []SideEffect, error) {
	reply := new(dns.Msg)
	reply.SetReply(pkt.Msg)

	if len(pkt.Msg.Question) != 1 {
		reply.Rcode = dns.RcodeFormatError
		return reply, nil, nil
	}

	switch pkt.Msg.Opcode {
	case dns.OpcodeQuery:
		if pkt.Msg.Question[0].Qtype == dns.TypeAXFR {
			return a.handleAXFR(pkt, reply)
		}
		return a.handleQuery(pkt, reply)
	case dns.OpcodeUpdate:
		return a.handleUpdate(pkt, reply)
	case dns.OpcodeNotify:
		return a.handleNotifyReceived(pkt, reply)
	default:
		reply.Rcode = dns.RcodeNotImplemented
		return reply, nil, nil
	}
}

// handleQuery implements the Query branch of spec.md §4.E.
func (a *Authority) handleQuery(pkt *Packet, reply *dns.Msg) (*dns.Msg, []SideEffect, error) {
	q := pkt.Msg.Question[0]
	if !queryTags[q.Qtype] {
		reply.Rcode = dns.RcodeRefused
		return reply, nil, nil
	}

	trie := a.Data
	if pkt.KeyName != "" && pkt.TsigVerified {
		qname := ParseName(q.Name)
		if a.Auth.Authorise(pkt.KeyName, qname, OpKeyManagement) {
			trie = a.Auth.Keys
		}
	}

	qname := ParseName(q.Name)
	if q.Qtype == dns.TypeANY {
		m, apexName, nsAuthority, err := trie.LookupAny(qname)
		return a.composeAnswer(reply, q, apexName, nsAuthority, flattenAny(m), err)
	}
	rrset, apexName, nsAuthority, err := trie.Lookup(qname, q.Qtype)
	return a.composeAnswer(reply, q, apexName, nsAuthority, rrset.RRs, err)
}

func flattenAny(m map[uint16]RRset) []dns.RR {
	var out []dns.RR
	for _, rrset := range m {
		out = append(out, rrset.RRs...)
	}
	return out
}

// composeAnswer folds a trie lookup result into the wire reply per spec.md
// §4.A's failure taxonomy, populating in-bailiwick glue in additional
// (SPEC_FULL.md §3 "in-bailiwick glue collection").
func (a *Authority) composeAnswer(reply *dns.Msg, q dns.Question, apexName Name, nsAuthority RRset, rrs []dns.RR, err error) (*dns.Msg, []SideEffect, error) {
	switch e := err.(type) {
	case nil:
		reply.Answer = rrs
		if len(nsAuthority.RRs) > 0 {
			reply.Ns = nsAuthority.RRs
			v4, v6 := a.Data.Glue(apexName, nsAuthority)
			reply.Extra = append(reply.Extra, v4.RRs...)
			reply.Extra = append(reply.Extra, v6.RRs...)
		}
		return reply, nil, nil
	case *EmptyNonTerminalError:
		reply.Rcode = dns.RcodeSuccess
		if e.SOA != nil {
			reply.Ns = []dns.RR{e.SOA}
		}
		return reply, nil, nil
	case *NotFoundError:
		reply.Rcode = dns.RcodeNameError
		if e.SOA != nil {
			reply.Ns = []dns.RR{e.SOA}
		}
		return reply, nil, nil
	case *DelegationError:
		reply.Ns = e.NS.RRs
		v4, v6 := a.Data.Glue(e.Apex, e.NS)
		reply.Extra = append(reply.Extra, v4.RRs...)
		reply.Extra = append(reply.Extra, v6.RRs...)
		return reply, nil, nil
	default:
		reply.Rcode = ToRcode(err)
		return reply, nil, nil
	}
}

// handleAXFR implements the AXFR branch of spec.md §4.E.
func (a *Authority) handleAXFR(pkt *Packet, reply *dns.Msg) (*dns.Msg, []SideEffect, error) {
	if !pkt.TCP {
		reply.Rcode = dns.RcodeRefused
		return reply, nil, nil
	}
	zone := ParseName(pkt.Msg.Question[0].Name)
	if pkt.KeyName == "" || !pkt.TsigVerified ||
		(!a.Auth.Authorise(pkt.KeyName, zone, OpTransfer) && !a.Auth.Authorise(pkt.KeyName, zone, OpKeyManagement)) {
		reply.Rcode = dns.RcodeRefused
		return reply, nil, nil
	}

	soa, entries, err := a.Data.Entries(zone)
	if err != nil {
		reply.Rcode = dns.RcodeNXRrset
		return reply, nil, nil
	}
	reply.Answer = append(reply.Answer, soa)
	for _, m := range entries {
		for _, rrset := range m {
			reply.Answer = append(reply.Answer, rrset.RRs...)
		}
	}
	reply.Answer = append(reply.Answer, soa)

	effects := []SideEffect{{Subscriber: &TCPSubscriber{Zone: zone, PeerIP: pkt.PeerIP, PeerPort: pkt.PeerPort}}}
	return reply, effects, nil
}

// handleNotifyReceived implements the NOTIFY-received branch of spec.md
// §4.E: an authoritative server just replies empty; the Secondary State
// machine (component H) is what reacts to peer NOTIFYs, and Primary State
// (component G) is what reacts to NOTIFY *responses* removing pending
// entries — neither is this function's concern.
func (a *Authority) handleNotifyReceived(pkt *Packet, reply *dns.Msg) (*dns.Msg, []SideEffect, error) {
	reply.Authoritative = true
	reply.Answer = nil
	reply.Ns = nil
	reply.Extra = nil
	return reply, nil, nil
}
