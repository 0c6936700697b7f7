/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"errors"

	"github.com/miekg/dns"
)

// Internal storage/resolution errors (spec.md §7 "Storage errors" and
// "Resolution cache statuses"). These never reach the wire directly; the
// Authority Engine and Resolver Engine map them to rcodes at the boundary.
var (
	ErrRootHasNoParent  = errors.New("dnscore: root name has no parent")
	ErrNotFound         = errors.New("dnscore: name not found")
	ErrEmptyNonTerminal = errors.New("dnscore: empty non-terminal")
	ErrNotAuthoritative = errors.New("dnscore: no enclosing zone apex")
	ErrNotZone          = errors.New("dnscore: name outside the zone")
	ErrNotImplemented   = errors.New("dnscore: not implemented")
	ErrCacheDrop        = errors.New("dnscore: cache entry expired")
	ErrCacheMiss        = errors.New("dnscore: cache miss")
	ErrNoRootServer     = errors.New("dnscore: no root server configured")
	ErrTooManyReferrals = errors.New("dnscore: too many referrals")
	ErrCNAMECoexistence = errors.New("dnscore: CNAME cannot coexist with other RRsets")
	ErrMultipleSOA      = errors.New("dnscore: zone must have exactly one SOA at apex")
	ErrDanglingGlue     = errors.New("dnscore: glue address with no delegating NS")
)

// DelegationError is returned by Trie.lookup when the walk crosses a zone
// cut not owned by this trie (spec.md §4.A "Delegation(apex, ttl, ns-set)").
type DelegationError struct {
	Apex  Name
	NS    RRset
	Owner Name
}

func (e *DelegationError) Error() string {
	return "dnscore: delegation below " + e.Apex.String()
}

// NotFoundError carries the enclosing zone's SOA for negative caching and
// NXDOMAIN synthesis (spec.md §4.A "NotFound(apex, soa)").
type NotFoundError struct {
	Apex Name
	SOA  *dns.SOA
}

func (e *NotFoundError) Error() string { return "dnscore: " + e.Apex.String() + ": name not found" }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// EmptyNonTerminalError is spec.md §4.A "EmptyNonTerminal(apex, soa)".
type EmptyNonTerminalError struct {
	Apex Name
	SOA  *dns.SOA
}

func (e *EmptyNonTerminalError) Error() string {
	return "dnscore: " + e.Apex.String() + ": empty non-terminal"
}
func (e *EmptyNonTerminalError) Unwrap() error { return ErrEmptyNonTerminal }

// WireError codes surfaced at the protocol boundary (spec.md §6).
type WireError struct {
	Rcode int
	Msg   string
}

func (e *WireError) Error() string { return e.Msg }

func wireErr(rcode int, msg string) *WireError { return &WireError{Rcode: rcode, Msg: msg} }

var (
	ErrFormErr  = wireErr(dns.RcodeFormatError, "dnscore: malformed message")
	ErrServFail = wireErr(dns.RcodeServerFailure, "dnscore: server failure")
	ErrNXDomain = wireErr(dns.RcodeNameError, "dnscore: name does not exist")
	ErrNotImp   = wireErr(dns.RcodeNotImplemented, "dnscore: opcode not implemented")
	ErrRefused  = wireErr(dns.RcodeRefused, "dnscore: refused")
	ErrYXDomain = wireErr(dns.RcodeYXDomain, "dnscore: name exists")
	ErrYXRRSet  = wireErr(dns.RcodeYXRrset, "dnscore: rrset exists")
	ErrNXRRSet  = wireErr(dns.RcodeNXRrset, "dnscore: rrset does not exist")
	ErrNotAuth  = wireErr(dns.RcodeNotAuth, "dnscore: not authorized")
	ErrBadVers  = wireErr(dns.RcodeBadVers, "dnscore: unsupported EDNS version")
)

// ToRcode maps an internal error to the wire rcode the Authority Engine
// should return, per spec.md §7's propagation policy.
func ToRcode(err error) int {
	if err == nil {
		return dns.RcodeSuccess
	}
	var we *WireError
	if errors.As(err, &we) {
		return we.Rcode
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return dns.RcodeNameError
	}
	var ent *EmptyNonTerminalError
	if errors.As(err, &ent) {
		return dns.RcodeSuccess
	}
	if errors.Is(err, ErrNotAuthoritative) || errors.Is(err, ErrNotZone) {
		return dns.RcodeNotAuth
	}
	return dns.RcodeServerFailure
}
