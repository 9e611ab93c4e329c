package zone

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

const dnszoneFixture = "testdata/example.com.dnszone"

func TestParseDNSZoneSetsOrigin(t *testing.T) {
	z, err := ParseDNSZone(dnszoneFixture, DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, "example.com.", z.Name)
}

func TestParseDNSZoneBuildsSOA(t *testing.T) {
	z, err := ParseDNSZone(dnszoneFixture, DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, z.SOA)

	require.Equal(t, "ns1.example.com.", z.SOA.Ns)
	require.Equal(t, "admin.example.com.", z.SOA.Mbox)
	require.GreaterOrEqual(t, z.SOA.Serial, uint32(2024010100))
	require.EqualValues(t, 7200, z.SOA.Refresh)
	require.EqualValues(t, 3600, z.SOA.Retry)
	require.EqualValues(t, 1209600, z.SOA.Expire)
	require.EqualValues(t, 3600, z.SOA.Minttl)
}

func TestParseDNSZoneCollectsNameservers(t *testing.T) {
	z, err := ParseDNSZone(dnszoneFixture, DefaultConfig())
	require.NoError(t, err)

	ns := z.GetNameservers()
	require.Len(t, ns, 2)

	names := make(map[string]bool, len(ns))
	for _, n := range ns {
		names[n.Ns] = true
	}
	require.True(t, names["ns1.example.com."])
	require.True(t, names["ns2.example.com."])
}

func TestParseDNSZoneAddressRecords(t *testing.T) {
	z, err := ParseDNSZone(dnszoneFixture, DefaultConfig())
	require.NoError(t, err)

	www := z.GetRecords("www.example.com.", dns.TypeA)
	require.Len(t, www, 2)

	apex := z.GetRecords("example.com.", dns.TypeA)
	require.Len(t, apex, 1)
	require.True(t, apex[0].(*dns.A).A.Equal(net.ParseIP("192.0.2.1")))

	aaaa := z.GetRecords("example.com.", dns.TypeAAAA)
	require.Len(t, aaaa, 1)
	require.True(t, aaaa[0].(*dns.AAAA).AAAA.Equal(net.ParseIP("2001:db8::1")))
}

func TestParseDNSZoneMXRecords(t *testing.T) {
	z, err := ParseDNSZone(dnszoneFixture, DefaultConfig())
	require.NoError(t, err)

	mx := z.GetRecords("example.com.", dns.TypeMX)
	require.Len(t, mx, 2)
	for _, rr := range mx {
		pref := rr.(*dns.MX).Preference
		require.True(t, pref == 10 || pref == 20, "unexpected MX preference %d", pref)
	}
}

func TestParseDNSZoneTXTRecords(t *testing.T) {
	z, err := ParseDNSZone(dnszoneFixture, DefaultConfig())
	require.NoError(t, err)

	apex := z.GetRecords("example.com.", dns.TypeTXT)
	require.Len(t, apex, 1)
	require.Equal(t, "v=spf1 mx -all", apex[0].(*dns.TXT).Txt[0])

	dmarc := z.GetRecords("_dmarc.example.com.", dns.TypeTXT)
	require.Len(t, dmarc, 1)
}

func TestParseDNSZoneSRVRecords(t *testing.T) {
	z, err := ParseDNSZone(dnszoneFixture, DefaultConfig())
	require.NoError(t, err)

	srv := z.GetRecords("_sip._tcp.example.com.", dns.TypeSRV)
	require.Len(t, srv, 2)
	require.EqualValues(t, 10, srv[0].(*dns.SRV).Priority)
	require.EqualValues(t, 5060, srv[0].(*dns.SRV).Port)
}

func TestParseDNSZoneCNAME(t *testing.T) {
	z, err := ParseDNSZone(dnszoneFixture, DefaultConfig())
	require.NoError(t, err)

	cname := z.GetRecords("ftp.example.com.", dns.TypeCNAME)
	require.Len(t, cname, 1)
	require.Equal(t, "www.example.com.", cname[0].(*dns.CNAME).Target)
}

func TestParseDNSZoneWildcard(t *testing.T) {
	z, err := ParseDNSZone(dnszoneFixture, DefaultConfig())
	require.NoError(t, err)

	wildcard := z.GetRecords("*.example.com.", dns.TypeA)
	require.Len(t, wildcard, 1)

	random := z.GetRecords("random-subdomain.example.com.", dns.TypeA)
	require.NotEmpty(t, random, "wildcard should match random-subdomain.example.com")
}

func TestParseDNSZoneOwnerLevelTTLOverridesDefault(t *testing.T) {
	z, err := ParseDNSZone(dnszoneFixture, DefaultConfig())
	require.NoError(t, err)

	mail2 := z.GetRecords("mail2.example.com.", dns.TypeA)
	require.Len(t, mail2, 1)
	require.EqualValues(t, 7200, mail2[0].Header().Ttl)
}

func TestParseDNSZoneStrictValidationPasses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strict = true

	z, err := ParseDNSZone(dnszoneFixture, cfg)
	require.NoError(t, err)
	require.NoError(t, z.Validate())
}

func TestParseDNSZoneMissingFileErrors(t *testing.T) {
	_, err := ParseDNSZone("testdata/nonexistent.dnszone", DefaultConfig())
	require.Error(t, err)
}

func TestParseDurationUnderstandsDaySuffixes(t *testing.T) {
	cases := map[string]time.Duration{
		"1h":  time.Hour,
		"30m": 30 * time.Minute,
		"2h":  2 * time.Hour,
		"1d":  24 * time.Hour,
		"2w":  14 * 24 * time.Hour,
		"90s": 90 * time.Second,
	}
	for input, want := range cases {
		got, err := parseDuration(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got, input)
	}
}

func TestParseTimeAcceptsDurationsAndRawSeconds(t *testing.T) {
	cases := map[string]uint32{
		"1h":   3600,
		"2h":   7200,
		"30m":  1800,
		"1d":   86400,
		"2w":   1209600,
		"3600": 3600,
	}
	for input, want := range cases {
		got, err := parseTime(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got, input)
	}
}

func TestFormatEmailAddressReplacesAtWithDot(t *testing.T) {
	cases := map[string]string{
		"admin@example.com":      "admin.example.com.",
		"hostmaster@example.org": "hostmaster.example.org.",
		"john.doe@example.com":   "john.doe.example.com.",
	}
	for input, want := range cases {
		require.Equal(t, want, formatEmailAddress(input), input)
	}
}

func TestDNSSECAlgorithmMapsMnemonics(t *testing.T) {
	cases := map[string]uint8{
		"RSASHA256":       dns.RSASHA256,
		"RSASHA512":       dns.RSASHA512,
		"ECDSAP256SHA256": dns.ECDSAP256SHA256,
		"ECDSAP384SHA384": dns.ECDSAP384SHA384,
		"ED25519":         dns.ED25519,
		"unknown":         dns.ECDSAP256SHA256,
	}
	for input, want := range cases {
		require.Equal(t, want, dnssecAlgorithm(input), input)
	}
}

func BenchmarkParseDNSZone(b *testing.B) {
	cfg := DefaultConfig()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = ParseDNSZone(dnszoneFixture, cfg)
	}
}
