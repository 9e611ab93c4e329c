package zone

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func buildTestZone(t *testing.T) *Snapshot {
	t.Helper()
	z := New("example.")
	require.NoError(t, z.AddRecord(mustRR(t, "example. 3600 IN SOA ns1.example. hostmaster.example. 1 3600 600 604800 3600")))
	require.NoError(t, z.AddRecord(mustRR(t, "example. 3600 IN NS ns1.example.")))
	require.NoError(t, z.AddRecord(mustRR(t, "ns1.example. 3600 IN A 192.0.2.53")))
	require.NoError(t, z.AddRecord(mustRR(t, "a.example. 3600 IN A 192.0.2.1")))
	require.NoError(t, z.AddRecord(mustRR(t, "*.w.example. 3600 IN TXT \"hit\"")))
	require.NoError(t, z.AddRecord(mustRR(t, "sub.example. 3600 IN NS ns1.elsewhere.")))

	snap, err := Build(z)
	require.NoError(t, err)
	return snap
}

func TestLookupExactMatch(t *testing.T) {
	snap := buildTestZone(t)
	node, kind := snap.Lookup("a.example.", dns.TypeA)
	require.Equal(t, MatchExact, kind)
	require.True(t, node.HasType(dns.TypeA))
}

func TestLookupNoName(t *testing.T) {
	snap := buildTestZone(t)
	_, kind := snap.Lookup("missing.example.", dns.TypeA)
	require.Equal(t, MatchNoName, kind)
}

func TestLookupWildcard(t *testing.T) {
	snap := buildTestZone(t)
	node, kind := snap.Lookup("x.w.example.", dns.TypeTXT)
	require.Equal(t, MatchWildcard, kind)
	require.True(t, node.HasType(dns.TypeTXT))
}

func TestLookupBelowCut(t *testing.T) {
	snap := buildTestZone(t)
	_, kind := snap.Lookup("deep.sub.example.", dns.TypeA)
	require.Equal(t, MatchBelowCut, kind)
}

func TestLookupOutOfZone(t *testing.T) {
	snap := buildTestZone(t)
	_, kind := snap.Lookup("other.tld.", dns.TypeA)
	require.Equal(t, MatchOutOfZone, kind)
}

func TestLookupDelegationItselfIsBelowCut(t *testing.T) {
	snap := buildTestZone(t)
	_, kind := snap.Lookup("sub.example.", dns.TypeA)
	require.Equal(t, MatchBelowCut, kind)
}

func TestBuildFailsWithoutSOA(t *testing.T) {
	z := New("example.")
	require.NoError(t, z.AddRecord(mustRR(t, "a.example. 3600 IN A 192.0.2.1")))
	_, err := Build(z)
	require.Error(t, err)
}

func TestPredecessorOrdering(t *testing.T) {
	snap := buildTestZone(t)
	for i := 1; i < len(snap.keys); i++ {
		require.Less(t, snap.keys[i-1], snap.keys[i], "Nodes must be sorted by canonical key")
	}
	idx, ok := snap.Predecessor("zzz.example.")
	require.True(t, ok)
	require.Equal(t, snap.keys[len(snap.keys)-1], snap.keys[idx])
}
