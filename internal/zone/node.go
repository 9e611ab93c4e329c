package zone

import "github.com/miekg/dns"

// Node is a named point in a zone: a mapping from record type to rrset.
// Nodes are allocated inside a Snapshot's node slice and reference their
// zone apex by index rather than by pointer, so the whole snapshot can be
// reasoned about (and reused) as one owning arena plus an index into it,
// per the pointer-graph-as-indices approach a zone of this size calls for.
type Node struct {
	// Name is the fully-qualified, case-preserved owner name.
	Name string

	// RRSets maps a DNS type to its resource records, copied as loaded.
	// Build does not check or normalize TTLs, so records of one type at a
	// node keep whatever TTLs the zone source gave them.
	RRSets map[uint16][]dns.RR

	// ApexIndex is the index, within the owning Snapshot's Nodes slice, of
	// this zone's apex node. A node is its own apex when ApexIndex points
	// back at itself.
	ApexIndex int

	// Delegation is true when this node is a cut point: a non-apex node
	// whose rrset includes NS. Below-cut data served from here is
	// non-authoritative.
	Delegation bool
}

// HasType reports whether the node carries an rrset of the given type.
func (n *Node) HasType(rtype uint16) bool {
	rrs, ok := n.RRSets[rtype]
	return ok && len(rrs) > 0
}
