/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"fmt"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// TrieNode is one label of the radix-style zone trie (spec.md §3 "Zone
// Trie"). Children are keyed by the lowercased label, descending from the
// root; intermediate nodes come into existence implicitly on insert, the
// way the teacher's GetOwner creates owner entries lazily.
type TrieNode struct {
	label    string
	parent   *TrieNode
	children map[string]*TrieNode

	owner      *OwnerData // nil until an RRset is inserted at this exact name
	isZoneApex bool
	soa        *dns.SOA // cached apex SOA for fast zone identification
}

// Trie is the authoritative zone store (component A). Mutated only by
// UPDATE processing, AXFR application, or administrative bulk load
// (spec.md §3 "Lifecycle"); the teacher's equivalent (ZoneData.Data) is a
// flat cmap per zone, but spec.md's remove_zone and mid-walk delegation
// detection both require actual parent/child structure, so this is a real
// trie rather than a flat map (see DESIGN.md, component A).
type Trie struct {
	mu   sync.Mutex
	root *TrieNode
}

// NewTrie returns an empty trie.
func NewTrie() *Trie {
	return &Trie{root: &TrieNode{children: map[string]*TrieNode{}}}
}

func lower(s string) string { return strings.ToLower(s) }

// descend walks from the root toward name, creating nodes as needed when
// create is true. It returns the target node (or nil if create is false and
// the path doesn't exist) plus the nearest enclosing zone-apex node found
// at or above the target (nil if none).
func (t *Trie) descend(name Name, create bool) (target *TrieNode, enclosingApex *TrieNode) {
	node := t.root
	if node.isZoneApex {
		enclosingApex = node
	}
	for i := len(name.Labels) - 1; i >= 0; i-- {
		lbl := lower(name.Labels[i])
		child, ok := node.children[lbl]
		if !ok {
			if !create {
				return nil, enclosingApex
			}
			child = &TrieNode{label: lbl, parent: node, children: map[string]*TrieNode{}}
			node.children[lbl] = child
		}
		node = child
		if node.isZoneApex {
			enclosingApex = node
		}
	}
	return node, enclosingApex
}

// nodeName reconstructs the full Name of a trie node by walking to the root.
func nodeName(n *TrieNode) Name {
	var labels []string
	for cur := n; cur != nil && cur.parent != nil; cur = cur.parent {
		labels = append(labels, cur.label)
	}
	return Name{Labels: labels}
}

func apexSOA(apex *TrieNode) *dns.SOA {
	if apex == nil {
		return nil
	}
	return apex.soa
}

// isDelegationCut reports whether a node found along a descent carries NS
// but is not a zone apex (spec.md §4.A rule 1).
func (n *TrieNode) isDelegationCut() bool {
	if n.owner == nil || n.isZoneApex {
		return false
	}
	_, hasNS := n.owner.RRtypes.Get(dns.TypeNS)
	return hasNS
}

// Insert adds or replaces the RRset for (name, tag). Marking a name's SOA
// RRset also marks the node as a zone apex (spec.md §3 "marker
// is_zone_apex with its SOA").
func (t *Trie) Insert(name Name, tag uint16, value RRset) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, _ := t.descend(name, true)
	if node.owner == nil {
		node.owner = NewOwnerData(name.String())
	}
	if tag == dns.TypeCNAME && node.owner.RRtypes.Count() > 0 {
		return ErrCNAMECoexistence
	}
	if node.owner.HasCNAME() && tag != dns.TypeCNAME {
		return ErrCNAMECoexistence
	}
	node.owner.RRtypes.Set(tag, value)
	if tag == dns.TypeSOA {
		if len(value.RRs) != 1 {
			return ErrMultipleSOA
		}
		soa, ok := value.RRs[0].(*dns.SOA)
		if !ok {
			return fmt.Errorf("dnscore: SOA RRset does not carry a *dns.SOA")
		}
		node.isZoneApex = true
		node.soa = soa
	}
	return nil
}

// Remove deletes the RRset for (name, tag). Removing the SOA is equivalent
// to RemoveZone(name) per spec.md §4.E "Remove(name, SOA) deletes the zone".
func (t *Trie) Remove(name Name, tag uint16) {
	if tag == dns.TypeSOA {
		t.RemoveZone(name)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	node, _ := t.descend(name, false)
	if node == nil || node.owner == nil {
		return
	}
	node.owner.RRtypes.Remove(tag)
}

// RemoveAll deletes every RRset at name (spec.md §4.E "Remove(name, ANY)").
func (t *Trie) RemoveAll(name Name) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, _ := t.descend(name, false)
	if node == nil {
		return
	}
	if node.isZoneApex {
		node.isZoneApex = false
		node.soa = nil
	}
	node.owner = nil
}

// RemoveZone erases the whole subtree rooted at apex, except re-rooted
// sub-zones (a descendant node that is itself a zone apex, with its own
// SOA, is left untouched) — spec.md §3 "Lifecycle".
func (t *Trie) RemoveZone(apex Name) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, _ := t.descend(apex, false)
	if node == nil {
		return
	}
	pruneSubtreeKeepingSubZones(node, true)
	if node.parent != nil && len(node.children) == 0 && node.owner == nil {
		delete(node.parent.children, node.label)
	}
}

// pruneSubtreeKeepingSubZones recursively clears RR data under node, but
// stops descending into any child that is itself a zone apex (unless top is
// true, meaning node itself is the zone being removed and always cleared).
func pruneSubtreeKeepingSubZones(node *TrieNode, top bool) {
	if !top && node.isZoneApex {
		return // independent sub-zone, left alone
	}
	for lbl, child := range node.children {
		pruneSubtreeKeepingSubZones(child, false)
		if len(child.children) == 0 && child.owner == nil && !child.isZoneApex {
			delete(node.children, lbl)
		}
	}
	node.owner = nil
	node.isZoneApex = false
	node.soa = nil
}

// Lookup implements spec.md §4.A lookup(name, tag). See the five
// algorithmic rules in §4.A for the precise fallthrough.
func (t *Trie) Lookup(name Name, tag uint16) (RRset, Name, RRset, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(name, tag)
}

func (t *Trie) lookupLocked(name Name, tag uint16) (RRset, Name, RRset, error) {
	rrset, apexName, ns, err := t.lookupOnce(name, tag)
	if err == nil || !isNotFoundErr(err) {
		return rrset, apexName, ns, err
	}
	// Wildcard synthesis (SPEC_FULL.md §3): retry once against "*.parent".
	if wq, ok := name.wildcard(); ok {
		wrrset, wApexName, wns, werr := t.lookupOnce(wq, tag)
		if werr == nil {
			wrrset.RRs = WildcardRewrite(wrrset.RRs, wq.String(), name.String())
			return wrrset, wApexName, wns, nil
		}
		if _, isENT := werr.(*EmptyNonTerminalError); isENT {
			// wildcard owner exists but lacks this tag: still NODATA, not NXDOMAIN
			return RRset{}, wApexName, wns, werr
		}
	}
	return rrset, apexName, ns, err
}

func isNotFoundErr(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// lookupOnce performs the trie walk exactly once, without wildcard retry.
func (t *Trie) lookupOnce(name Name, tag uint16) (RRset, Name, RRset, error) {
	node := t.root
	var enclosingApex *TrieNode
	if node.isZoneApex {
		enclosingApex = node
	}
	for i := len(name.Labels) - 1; i >= 0; i-- {
		lbl := lower(name.Labels[i])
		child, ok := node.children[lbl]
		if !ok {
			// name absent below node; NotFound relative to nearest apex
			if enclosingApex == nil {
				return RRset{}, Name{}, RRset{}, ErrNotAuthoritative
			}
			return RRset{}, nodeName(enclosingApex), RRset{}, &NotFoundError{Apex: nodeName(enclosingApex), SOA: enclosingApex.soa}
		}
		node = child
		isTarget := i == 0
		if !isTarget && node.isDelegationCut() {
			nsrrset, _ := node.owner.RRtypes.Get(dns.TypeNS)
			return RRset{}, Name{}, RRset{}, &DelegationError{Apex: nodeName(node), NS: nsrrset, Owner: nodeName(node)}
		}
		if node.isZoneApex {
			enclosingApex = node
		}
	}
	// Reached the target node.
	if node.isDelegationCut() {
		nsrrset, _ := node.owner.RRtypes.Get(dns.TypeNS)
		return RRset{}, Name{}, RRset{}, &DelegationError{Apex: nodeName(node), NS: nsrrset, Owner: nodeName(node)}
	}
	if enclosingApex == nil {
		return RRset{}, Name{}, RRset{}, ErrNotAuthoritative
	}
	apexName := nodeName(enclosingApex)
	var nsAuthority RRset
	if enclosingApex.owner != nil {
		nsAuthority, _ = enclosingApex.owner.RRtypes.Get(dns.TypeNS)
	}
	if node.owner == nil || node.owner.IsEmpty() {
		if node.owner == nil && len(node.children) == 0 {
			return RRset{}, apexName, nsAuthority, &NotFoundError{Apex: apexName, SOA: enclosingApex.soa}
		}
		return RRset{}, apexName, nsAuthority, &EmptyNonTerminalError{Apex: apexName, SOA: enclosingApex.soa}
	}
	rrset, ok := node.owner.RRtypes.Get(tag)
	if !ok {
		return RRset{}, apexName, nsAuthority, &EmptyNonTerminalError{Apex: apexName, SOA: enclosingApex.soa}
	}
	return rrset, apexName, nsAuthority, nil
}

// LookupAny returns the whole per-name RR map (spec.md §4.A "ANY lookup
// returns the full per-name map").
func (t *Trie) LookupAny(name Name) (map[uint16]RRset, Name, RRset, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node := t.root
	var enclosingApex *TrieNode
	if node.isZoneApex {
		enclosingApex = node
	}
	for i := len(name.Labels) - 1; i >= 0; i-- {
		lbl := lower(name.Labels[i])
		child, ok := node.children[lbl]
		if !ok {
			if enclosingApex == nil {
				return nil, Name{}, RRset{}, ErrNotAuthoritative
			}
			return nil, nodeName(enclosingApex), RRset{}, &NotFoundError{Apex: nodeName(enclosingApex), SOA: enclosingApex.soa}
		}
		node = child
		isTarget := i == 0
		if !isTarget && node.isDelegationCut() {
			nsrrset, _ := node.owner.RRtypes.Get(dns.TypeNS)
			return nil, Name{}, RRset{}, &DelegationError{Apex: nodeName(node), NS: nsrrset, Owner: nodeName(node)}
		}
		if node.isZoneApex {
			enclosingApex = node
		}
	}
	if enclosingApex == nil {
		return nil, Name{}, RRset{}, ErrNotAuthoritative
	}
	apexName := nodeName(enclosingApex)
	var nsAuthority RRset
	if enclosingApex.owner != nil {
		nsAuthority, _ = enclosingApex.owner.RRtypes.Get(dns.TypeNS)
	}
	if node.owner == nil || node.owner.IsEmpty() {
		return nil, apexName, nsAuthority, &EmptyNonTerminalError{Apex: apexName, SOA: enclosingApex.soa}
	}
	out := map[uint16]RRset{}
	for _, tag := range node.owner.Keys() {
		if rrset, ok := node.owner.RRtypes.Get(tag); ok {
			out[tag] = rrset
		}
	}
	return out, apexName, nsAuthority, nil
}

// NameExists reports whether name has any RRset of its own, grounded on the
// teacher's ZoneData.NameExists (zone_utils.go).
func (t *Trie) NameExists(name Name) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, _ := t.descend(name, false)
	return node != nil && node.owner != nil && !node.owner.IsEmpty()
}

// GetSOA returns the SOA at a zone apex, grounded on ZoneData.GetSOA.
func (t *Trie) GetSOA(apex Name) (*dns.SOA, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, _ := t.descend(apex, false)
	if node == nil || !node.isZoneApex {
		return nil, false
	}
	return node.soa, true
}

// Glue resolves A/AAAA glue for each in-bailiwick NS target in nsrrset,
// grounded on the teacher's FindGlue (auth_utils.go). Out-of-bailiwick NS
// targets are skipped per spec.md's glossary ("glue outside bailiwick is
// ignored").
func (t *Trie) Glue(apex Name, nsrrset RRset) (v4, v6 RRset) {
	for _, rr := range nsrrset.RRs {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		target := ParseName(ns.Ns)
		if !target.IsSubdomainOf(apex) {
			continue // out of bailiwick, ignored
		}
		node, _ := t.descend(target, false)
		if node == nil || node.owner == nil {
			continue
		}
		if a, ok := node.owner.RRtypes.Get(dns.TypeA); ok {
			v4.RRs = append(v4.RRs, a.RRs...)
		}
		if aaaa, ok := node.owner.RRtypes.Get(dns.TypeAAAA); ok {
			v6.RRs = append(v6.RRs, aaaa.RRs...)
		}
	}
	return v4, v6
}

// FindDelegation looks for an NS RRset at name itself marking a child zone
// cut (spec.md's zone-cut detection performed "at" rather than "below" the
// target), grounded on the teacher's IsChildDelegation (zone_utils.go).
func (t *Trie) FindDelegation(name Name) (RRset, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, _ := t.descend(name, false)
	if node == nil || node.owner == nil {
		return RRset{}, false
	}
	ns, ok := node.owner.RRtypes.Get(dns.TypeNS)
	if !ok || len(ns.RRs) == 0 {
		return RRset{}, false
	}
	if _, hasSOA := node.owner.RRtypes.Get(dns.TypeSOA); hasSOA {
		return RRset{}, false // zone apex's own NS, not a delegation
	}
	return ns, true
}

// Entries yields the SOA and the full owner-name -> tag-map set under an
// apex, for AXFR/serialization (spec.md §4.A "entries(apex)").
func (t *Trie) Entries(apex Name) (*dns.SOA, map[string]map[uint16]RRset, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, _ := t.descend(apex, false)
	if node == nil || !node.isZoneApex {
		return nil, nil, fmt.Errorf("dnscore: %s is not a zone apex", apex.String())
	}
	out := map[string]map[uint16]RRset{}
	collectEntries(node, out)
	return node.soa, out, nil
}

func collectEntries(node *TrieNode, out map[string]map[uint16]RRset) {
	if node.owner != nil && !node.owner.IsEmpty() {
		m := map[uint16]RRset{}
		for _, tag := range node.owner.Keys() {
			if rrset, ok := node.owner.RRtypes.Get(tag); ok {
				m[tag] = rrset
			}
		}
		out[node.owner.Name] = m
	}
	for _, child := range node.children {
		if child.isZoneApex {
			continue // independent sub-zone: not part of this zone's entries
		}
		collectEntries(child, out)
	}
}

// CloneZone deep-copies the subtree rooted at apex into a standalone Trie,
// for the Authority Engine's copy-then-commit UPDATE application (spec.md
// Design Notes "commit = swap the root"; DESIGN.md component E). The
// teacher mutates owner maps in place under a lock; spec.md's atomicity
// invariant (a failed prereq or failed check() must leave the trie
// byte-identical) requires mutating a copy instead.
func (t *Trie) CloneZone(apex Name) (*Trie, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, _ := t.descend(apex, false)
	if node == nil || !node.isZoneApex {
		return nil, fmt.Errorf("dnscore: %s is not a zone apex", apex.String())
	}
	shadow := NewTrie()
	leaf, _ := shadow.descend(apex, true)
	copyNodeInto(leaf, node)
	return shadow, nil
}

func copyNodeInto(dst, src *TrieNode) {
	dst.isZoneApex = src.isZoneApex
	if src.soa != nil {
		soaCopy := dns.Copy(src.soa).(*dns.SOA)
		dst.soa = soaCopy
	}
	if src.owner != nil {
		dst.owner = NewOwnerData(src.owner.Name)
		for _, tag := range src.owner.Keys() {
			if rrset, ok := src.owner.RRtypes.Get(tag); ok {
				dst.owner.RRtypes.Set(tag, rrset.Copy())
			}
		}
	}
	for lbl, child := range src.children {
		dstChild := &TrieNode{label: lbl, parent: dst, children: map[string]*TrieNode{}}
		copyNodeInto(dstChild, child)
		dst.children[lbl] = dstChild
	}
}

// ReplaceZone grafts newNode (typically produced by mutating the result of
// CloneZone) into the trie at apex, replacing whatever subtree was there —
// the "swap the root" commit step.
func (t *Trie) ReplaceZone(apex Name, newNode *TrieNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(apex.Labels) == 0 {
		newNode.parent = nil
		newNode.label = ""
		t.root = newNode
		return
	}
	node := t.root
	var parent *TrieNode
	var lastLabel string
	for i := len(apex.Labels) - 1; i >= 0; i-- {
		lbl := lower(apex.Labels[i])
		parent = node
		child, ok := node.children[lbl]
		if !ok {
			child = &TrieNode{label: lbl, parent: node, children: map[string]*TrieNode{}}
			node.children[lbl] = child
		}
		node = child
		lastLabel = lbl
	}
	newNode.parent = parent
	newNode.label = lastLabel
	parent.children[lastLabel] = newNode
}

// NamesUnder lists every owner name in the subtree rooted at base,
// regardless of zone-apex status — used by the Auth Module to enumerate
// key names under a zone suffix (spec.md §4.F primaries/secondaries),
// since key names are plain owners, not zone apexes.
func (t *Trie) NamesUnder(base Name) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, _ := t.descend(base, false)
	if node == nil {
		return nil
	}
	var out []string
	var walk func(n *TrieNode)
	walk = func(n *TrieNode) {
		if n.owner != nil && !n.owner.IsEmpty() {
			out = append(out, n.owner.Name)
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(node)
	return out
}

// Fold performs a structural traversal of apex's subtree for a given tag,
// calling f(name, rrset, acc) and threading acc through (spec.md §4.A
// "fold(apex, tag, f, init)"). Entries is backed by a plain map, so the
// owner names are sorted into canonical order first — the fold order is
// reproducible run to run, not dependent on Go's randomized map iteration.
func Fold[T any](t *Trie, apex Name, tag uint16, init T, f func(name string, rrset RRset, acc T) T) (T, error) {
	_, entries, err := t.Entries(apex)
	if err != nil {
		return init, err
	}
	names := maps.Keys(entries)
	slices.SortFunc(names, func(a, b string) int {
		return ParseName(a).Compare(ParseName(b))
	})
	acc := init
	for _, name := range names {
		if rrset, ok := entries[name][tag]; ok {
			acc = f(name, rrset, acc)
		}
	}
	return acc, nil
}

// Check runs the global invariant check spec.md §4.A requires after UPDATE
// application: every zone apex carries its SOA, and no CNAME coexists with
// another RRset. Glue is not checked: an A/AAAA RRset below a delegation
// with no corresponding NS passes.
func (t *Trie) Check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return checkSubtree(t.root, nil)
}

func checkSubtree(node *TrieNode, apex *TrieNode) error {
	if node.isZoneApex {
		apex = node
		if node.soa == nil {
			return fmt.Errorf("%w: zone %s", ErrMultipleSOA, nodeName(node).String())
		}
	}
	if node.owner != nil {
		if err := node.owner.CheckCoexistence(); err != nil {
			return fmt.Errorf("%s: %w", nodeName(node).String(), err)
		}
	}
	for _, child := range node.children {
		if err := checkSubtree(child, apex); err != nil {
			return err
		}
	}
	return nil
}
