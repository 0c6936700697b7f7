/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"fmt"
	"net"
	"reflect"
	"strings"

	"github.com/miekg/dns"
	"github.com/mitchellh/mapstructure"
)

// Operation is one of the three rights a key name can carry (spec.md §4.E
// "Authorization").
type Operation string

const (
	OpUpdate        Operation = "update"
	OpTransfer      Operation = "transfer"
	OpKeyManagement Operation = "key-management"
)

func (op Operation) label() string { return "_" + string(op) }

// KeyRecord is one parsed entry in the keys trie: the zone it grants rights
// over, the operation it was issued for, and — for transfer keys — the
// peer addresses encoded in its name (spec.md §6 "Key name encoding").
type KeyRecord struct {
	Name string
	Zone Name
	Op   Operation
	Key  *dns.DNSKEY

	PrimaryIP     net.IP
	PrimaryPort   uint16
	SecondaryIP   net.IP
	SecondaryPort uint16
}

// ParseKeyName decodes a TSIG/DNSKEY owner name per spec.md §6:
//
//	<ip>.<zone>._<op>.<zone-suffix>            (key-management / update)
//	<pip>[_<pport>].<sip>[_<sport>]._transfer.<zone>
//
// The operation label splits the name; everything after it is the zone the
// key is authorized for (consistent with the unambiguous _transfer
// pattern, where <zone> plainly follows _transfer — see DESIGN.md's Open
// Question decision for why this reading is preferred over the §4.E prose
// "zone name = labels to the left of the operation label", which conflicts
// with §6's own worked pattern).
func ParseKeyName(keyname string) (*KeyRecord, error) {
	name := ParseName(keyname)
	opIdx, op, found := findOperationLabel(name)
	if !found {
		return nil, fmt.Errorf("dnscore: key name %q carries no recognized operation label", keyname)
	}
	// The zone always follows the operation label, e.g. "..._update.zone.com."
	// or "..._transfer.zone.com." — Labels[0] is the leftmost (most specific)
	// label, so the suffix starting at opIdx+1 is the zone.
	zone := Name{Labels: name.Labels[opIdx+1:]}
	rec := &KeyRecord{Name: keyname, Zone: zone, Op: op}

	peers := name.Labels[:opIdx]
	if op == OpTransfer {
		if len(peers) < 2 {
			return nil, fmt.Errorf("dnscore: transfer key name %q missing peer labels", keyname)
		}
		pip, pport, err := parsePeerLabel(peers[0])
		if err != nil {
			return nil, fmt.Errorf("dnscore: transfer key name %q: primary: %w", keyname, err)
		}
		sip, sport, err := parsePeerLabel(peers[1])
		if err != nil {
			return nil, fmt.Errorf("dnscore: transfer key name %q: secondary: %w", keyname, err)
		}
		rec.PrimaryIP, rec.PrimaryPort = pip, pport
		rec.SecondaryIP, rec.SecondaryPort = sip, sport
	}
	return rec, nil
}

// findOperationLabel scans for a label equal to "_update", "_transfer", or
// "_key-management" and returns its index in name.Labels.
func findOperationLabel(name Name) (int, Operation, bool) {
	for i, lbl := range name.Labels {
		switch strings.ToLower(lbl) {
		case "_update":
			return i, OpUpdate, true
		case "_transfer":
			return i, OpTransfer, true
		case "_key-management":
			return i, OpKeyManagement, true
		}
	}
	return 0, "", false
}

// peerAddr is the decode target for parsePeerLabel's mapstructure pass.
type peerAddr struct {
	IP   net.IP
	Port uint16
}

// stringToIPHookFunc lets mapstructure decode a dotted (or "-"-separated,
// for labels where "." would collide with the owner name's own label
// separator) address string straight into a net.IP.
func stringToIPHookFunc() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(net.IP{}) {
			return data, nil
		}
		s := data.(string)
		ip := net.ParseIP(strings.ReplaceAll(s, "-", "."))
		if ip == nil {
			ip = net.ParseIP(s)
		}
		if ip == nil {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return ip, nil
	}
}

// parsePeerLabel splits "ip" or "ip_port" (spec.md §6 "pip[_pport]") and
// decodes the pieces via mapstructure, validating the port fits uint16 — a
// check silent in spec.md but present in every TSIG/transfer-key parser the
// teacher's conventions imply (SPEC_FULL.md §3).
func parsePeerLabel(label string) (net.IP, uint16, error) {
	parts := strings.SplitN(label, "_", 2)
	raw := map[string]interface{}{"IP": parts[0], "Port": "53"}
	if len(parts) == 2 {
		raw["Port"] = parts[1]
	}

	var addr peerAddr
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       stringToIPHookFunc(),
		WeaklyTypedInput: true,
		Result:           &addr,
	})
	if err != nil {
		return nil, 0, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, 0, fmt.Errorf("invalid peer label %q: %w", label, err)
	}
	if addr.IP == nil {
		return nil, 0, fmt.Errorf("invalid address label %q", parts[0])
	}
	return addr.IP, addr.Port, nil
}

// KeyUpdateAction is emitted by HandleUpdate to drive Secondary bootstrap
// (spec.md §4.F "AddedKey(name) | RemovedKey(name)").
type KeyUpdateAction struct {
	Added bool
	Name  string
}

// AuthModule is the Auth Module (component F): a trie of DNSKEY-bearing key
// names plus zone/operation authorization, grounded on the teacher's
// auth_utils.go (FindDelegation/FindGlue pattern of trie-shaped lookups)
// adapted from NS delegation to key authorization.
type AuthModule struct {
	Keys *Trie
}

// NewAuthModule returns an empty Auth Module.
func NewAuthModule() *AuthModule { return &AuthModule{Keys: NewTrie()} }

// FindKey requires exactly one DNSKEY at name; more than one is a
// misconfiguration and returns (nil, false) (spec.md §4.F "None with
// warning").
func (a *AuthModule) FindKey(name Name) (*dns.DNSKEY, bool) {
	a.Keys.mu.Lock()
	defer a.Keys.mu.Unlock()
	node, _ := a.Keys.descend(name, false)
	if node == nil || node.owner == nil {
		return nil, false
	}
	rrset, ok := node.owner.RRtypes.Get(dns.TypeDNSKEY)
	if !ok || len(rrset.RRs) != 1 {
		return nil, false
	}
	dnskey, ok := rrset.RRs[0].(*dns.DNSKEY)
	return dnskey, ok
}

// Authorise reports whether keyName is authorized for op on zone. A key
// authorized for Key_management on zone (or any ancestor of zone) is
// authorized for every operation on zone and all its sub-zones (spec.md
// §4.E "Authorization").
func (a *AuthModule) Authorise(keyName string, zone Name, op Operation) bool {
	rec, err := ParseKeyName(keyName)
	if err != nil {
		return false
	}
	if !zone.IsSubdomainOf(rec.Zone) {
		return false
	}
	return rec.Op == op || rec.Op == OpKeyManagement
}

// HandleUpdate applies DNSKEY add/remove RRs to the keys trie, grounded on
// the teacher's ApplyZoneUpdateToZoneData class-encoded dispatch
// (zone_updater.go) narrowed to the DNSKEY-only case relevant here.
func (a *AuthModule) HandleUpdate(rrs []dns.RR) []KeyUpdateAction {
	var actions []KeyUpdateAction
	for _, rr := range rrs {
		dnskey, ok := rr.(*dns.DNSKEY)
		if !ok {
			continue
		}
		name := ParseName(rr.Header().Name)
		switch rr.Header().Class {
		case dns.ClassNONE, dns.ClassANY:
			a.Keys.RemoveAll(name)
			actions = append(actions, KeyUpdateAction{Added: false, Name: rr.Header().Name})
		default:
			_ = a.Keys.Insert(name, dns.TypeDNSKEY, RRset{TTL: dnskey.Hdr.Ttl, RRs: []dns.RR{dnskey}})
			actions = append(actions, KeyUpdateAction{Added: true, Name: rr.Header().Name})
		}
	}
	return actions
}

// Primaries returns the primary peer addresses of every transfer key
// authorized on zone (spec.md §4.F "primaries(zone)").
func (a *AuthModule) Primaries(zone Name) []*net.TCPAddr {
	return a.transferPeers(zone, true)
}

// Secondaries returns the secondary peer addresses of every transfer key
// authorized on zone (spec.md §4.F "secondaries(zone)").
func (a *AuthModule) Secondaries(zone Name) []*net.TCPAddr {
	return a.transferPeers(zone, false)
}

func (a *AuthModule) transferPeers(zone Name, primary bool) []*net.TCPAddr {
	var out []*net.TCPAddr
	for _, name := range a.Keys.NamesUnder(zone) {
		rec, err := ParseKeyName(name)
		if err != nil || rec.Op != OpTransfer || !rec.Zone.Equal(zone) {
			continue
		}
		if primary {
			out = append(out, &net.TCPAddr{IP: rec.PrimaryIP, Port: int(rec.PrimaryPort)})
		} else {
			out = append(out, &net.TCPAddr{IP: rec.SecondaryIP, Port: int(rec.SecondaryPort)})
		}
	}
	return out
}
