package zone

import (
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// MatchKind classifies how a query name resolved against a Snapshot, per
// the zone store's lookup contract.
type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchWildcard
	MatchNoName
	MatchBelowCut
	MatchOutOfZone
)

func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchWildcard:
		return "encloser+wildcard"
	case MatchNoName:
		return "no-name"
	case MatchBelowCut:
		return "below-cut"
	case MatchOutOfZone:
		return "out-of-zone"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable, fully-built zone: a sorted index over Nodes
// keyed by canonical (reverse-label, case-folded) form, giving O(log n)
// exact lookup and O(log n) predecessor queries without a mutable balanced
// tree — sound precisely because a Snapshot, once built, is never mutated
// again; any update installs a brand new Snapshot instead (see Store).
type Snapshot struct {
	Origin string
	SOA    *dns.SOA
	Class  uint16

	// Nodes is sorted by canonical key ascending. The apex's canonical key
	// is a prefix of every other in-zone key, so it sorts first; its
	// position is still recorded in apexIndex rather than assumed.
	Nodes []Node

	keys      []string // canonical keys, parallel to Nodes, kept separate for cache-friendly binary search
	apexIndex int
}

// canonicalKeyOf returns the reverse-label, lowercase key used for
// canonical ordering and lookup, matching the DNSSEC canonical form
// (RFC 4034 §6.1): compare labels outermost-first, case-folded.
func canonicalKeyOf(name string) string {
	labels := dns.SplitDomainName(name)
	rev := make([]string, len(labels))
	for i, l := range labels {
		rev[len(labels)-1-i] = strings.ToLower(l)
	}
	return strings.Join(rev, "\x00") + "\x00\x00"
}

// Build constructs an immutable Snapshot from a builder Zone. It fails if
// the zone has no SOA at its apex, matching the Fatal-class invariant
// violation the spec reserves for startup.
func Build(z *Zone) (*Snapshot, error) {
	if z.SOA == nil {
		return nil, fmt.Errorf("zone %s: missing SOA record at apex", z.Origin)
	}

	s := &Snapshot{Origin: z.Origin, SOA: z.SOA, Class: z.Class}

	names := make([]string, 0, len(z.Records))
	for owner := range z.Records {
		names = append(names, owner)
	}
	// Ensure the apex itself has a node even if the zone map omits it for
	// some reason (it always has the SOA rrset, but defensive here costs
	// nothing at build time).
	if _, ok := z.Records[z.Origin]; !ok {
		names = append(names, z.Origin)
	}

	sort.Slice(names, func(i, j int) bool {
		return canonicalKeyOf(names[i]) < canonicalKeyOf(names[j])
	})

	s.Nodes = make([]Node, len(names))
	s.keys = make([]string, len(names))
	nameIndex := make(map[string]int, len(names))
	for i, name := range names {
		nameIndex[name] = i
		s.keys[i] = canonicalKeyOf(name)
	}
	s.apexIndex = nameIndex[z.Origin]

	for i, name := range names {
		typeMap := z.Records[name]
		n := Node{Name: name, RRSets: typeMap, ApexIndex: s.apexIndex}
		if name != z.Origin {
			if nsRRs, ok := typeMap[dns.TypeNS]; ok && len(nsRRs) > 0 {
				n.Delegation = true
			}
		}
		s.Nodes[i] = n
	}

	return s, nil
}

// search performs a binary search for key among s.keys, returning the
// index of an exact match (ok=true) or the insertion point (ok=false) —
// the insertion point doubles as the predecessor query's answer (the node
// immediately before it, if any).
func (s *Snapshot) search(key string) (idx int, ok bool) {
	i := sort.Search(len(s.keys), func(i int) bool { return s.keys[i] >= key })
	if i < len(s.keys) && s.keys[i] == key {
		return i, true
	}
	return i, false
}

// Predecessor returns the index of the node whose canonical key
// immediately precedes name's, for future NSEC synthesis. ok is false if
// name would sort before every node in the snapshot.
func (s *Snapshot) Predecessor(name string) (idx int, ok bool) {
	i, _ := s.search(canonicalKeyOf(name))
	i--
	if i < 0 {
		return 0, false
	}
	return i, true
}

// Lookup resolves name against the snapshot per the zone store's contract:
// returns the matching node (or the synthesized wildcard source, with the
// caller responsible for rewriting the owner to name), and the match kind.
func (s *Snapshot) Lookup(name string, qtype uint16) (*Node, MatchKind) {
	if !dns.IsSubDomain(s.Origin, name) {
		return nil, MatchOutOfZone
	}

	if idx, ok := s.search(canonicalKeyOf(name)); ok {
		n := &s.Nodes[idx]
		if n.Delegation {
			return n, MatchBelowCut
		}
		return n, MatchExact
	}

	// Walk ancestors of name (inside the zone) looking for a delegation
	// cut first — below-cut takes precedence over wildcard synthesis,
	// since a cut point's descendants are not this zone's data at all.
	labels := dns.SplitDomainName(name)
	for i := 1; i < len(labels); i++ {
		ancestor := dns.Fqdn(strings.Join(labels[i:], "."))
		if !dns.IsSubDomain(s.Origin, ancestor) {
			break
		}
		if idx, ok := s.search(canonicalKeyOf(ancestor)); ok {
			n := &s.Nodes[idx]
			if n.Delegation {
				return n, MatchBelowCut
			}
			break // first existing ancestor is not a cut: stop the below-cut search
		}
	}

	// Wildcard: try "*.<ancestor>" at each level, innermost first.
	for i := 0; i < len(labels); i++ {
		wildcard := dns.Fqdn("*." + strings.Join(labels[i+1:], "."))
		if !dns.IsSubDomain(s.Origin, wildcard) && wildcard != dns.Fqdn("*."+s.Origin) {
			continue
		}
		if idx, ok := s.search(canonicalKeyOf(wildcard)); ok {
			n := &s.Nodes[idx]
			if n.HasType(qtype) || n.HasType(dns.TypeCNAME) {
				return n, MatchWildcard
			}
		}
	}

	return nil, MatchNoName
}

// Apex returns the zone's apex node.
func (s *Snapshot) Apex() *Node { return &s.Nodes[s.apexIndex] }
