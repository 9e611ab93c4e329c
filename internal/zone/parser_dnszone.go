package zone

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"gopkg.in/yaml.v3"
)

// dnsZoneDocument is the top-level shape of a .dnszone file: a more
// readable, YAML-native alternative to BIND master-file syntax for hand
// authored zones.
type dnsZoneDocument struct {
	Zone      zoneHeader                `yaml:"zone"`
	SOA       soaFields                 `yaml:"soa"`
	Records   map[string]ownerRecords   `yaml:"records"`
	Templates map[string]recordTemplate `yaml:"templates,omitempty"`
	Apply     []templateApplication     `yaml:"apply,omitempty"`
	DNSSEC    *dnssecSettings           `yaml:"dnssec,omitempty"`
}

type zoneHeader struct {
	Name    string `yaml:"name"`
	TTL     string `yaml:"ttl,omitempty"`
	Class   string `yaml:"class,omitempty"`
	Comment string `yaml:"comment,omitempty"`
}

type soaFields struct {
	PrimaryNS   string `yaml:"primary_ns"`
	Contact     string `yaml:"contact"`
	Serial      string `yaml:"serial"` // "auto" or a literal number
	Refresh     string `yaml:"refresh"`
	Retry       string `yaml:"retry"`
	Expire      string `yaml:"expire"`
	NegativeTTL string `yaml:"negative_ttl"`
}

// ownerRecords holds every record attached to one owner name. Most fields
// accept either a single scalar or a YAML sequence (callers writing one
// A record shouldn't have to wrap it in a list), so they're typed
// interface{} and normalized by scalarOrList/asMapList at parse time.
type ownerRecords struct {
	A     interface{} `yaml:"A,omitempty"`
	AAAA  interface{} `yaml:"AAAA,omitempty"`
	CNAME string      `yaml:"CNAME,omitempty"`
	MX    interface{} `yaml:"MX,omitempty"`
	NS    interface{} `yaml:"NS,omitempty"`
	TXT   interface{} `yaml:"TXT,omitempty"`
	SRV   interface{} `yaml:"SRV,omitempty"`
	PTR   string      `yaml:"PTR,omitempty"`
	TLSA  interface{} `yaml:"TLSA,omitempty"`
	HTTPS interface{} `yaml:"HTTPS,omitempty"`
	SVCB  interface{} `yaml:"SVCB,omitempty"`
	CAA   interface{} `yaml:"CAA,omitempty"`

	TTL     int    `yaml:"ttl,omitempty"`
	Comment string `yaml:"comment,omitempty"`
	Reverse bool   `yaml:"reverse,omitempty"`
}

type mxFields struct {
	Priority int    `yaml:"priority"`
	Target   string `yaml:"target"`
}

type srvFields struct {
	Priority int    `yaml:"priority"`
	Weight   int    `yaml:"weight"`
	Port     int    `yaml:"port"`
	Target   string `yaml:"target"`
}

type tlsaFields struct {
	Usage    int    `yaml:"usage"`
	Selector int    `yaml:"selector"`
	Matching int    `yaml:"matching"`
	Data     string `yaml:"data"`
}

type httpsFields struct {
	Priority int                    `yaml:"priority"`
	Target   string                 `yaml:"target"`
	Params   map[string]interface{} `yaml:"params,omitempty"`
}

type caaFields struct {
	Flags int    `yaml:"flags"`
	Tag   string `yaml:"tag"`
	Value string `yaml:"value"`
}

// recordTemplate and templateApplication describe the templates/apply
// sections; template expansion itself is future work (see
// expandTemplates below).
type recordTemplate map[string]interface{}

type templateApplication struct {
	Template string                   `yaml:"template"`
	To       []map[string]interface{} `yaml:"to"`
}

type dnssecSettings struct {
	Enabled     bool          `yaml:"enabled"`
	Algorithm   string        `yaml:"algorithm,omitempty"`
	KSKLifetime string        `yaml:"ksk-lifetime,omitempty"`
	ZSKLifetime string        `yaml:"zsk-lifetime,omitempty"`
	NSEC3       *nsec3Setting `yaml:"nsec3,omitempty"`
}

type nsec3Setting struct {
	Enabled    bool `yaml:"enabled"`
	Iterations int  `yaml:"iterations"`
	SaltLength int  `yaml:"salt-length"`
}

// ParseDNSZone reads and parses a .dnszone YAML file into a *Zone.
func ParseDNSZone(filename string, cfg Config) (*Zone, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var doc dnsZoneDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	z := New(doc.Zone.Name)

	defaultTTL := cfg.DefaultTTL
	if doc.Zone.TTL != "" {
		if ttl, err := parseDuration(doc.Zone.TTL); err == nil {
			defaultTTL = uint32(ttl.Seconds())
		}
	}

	soa, err := buildSOA(&doc, z.Origin, defaultTTL)
	if err != nil {
		return nil, fmt.Errorf("parse SOA: %w", err)
	}
	z.AddRecord(soa)

	for owner, rec := range doc.Records {
		if err := addOwnerRecords(z, owner, rec, defaultTTL); err != nil {
			return nil, fmt.Errorf("owner %s: %w", owner, err)
		}
	}

	if err := expandTemplates(z, &doc, defaultTTL); err != nil {
		return nil, fmt.Errorf("apply templates: %w", err)
	}

	if doc.DNSSEC != nil && doc.DNSSEC.Enabled {
		z.DNSSEC = &DNSSECConfig{Enabled: true}
		if doc.DNSSEC.Algorithm != "" {
			z.DNSSEC.Algorithm = dnssecAlgorithm(doc.DNSSEC.Algorithm)
		}
	}

	if cfg.Strict {
		if err := z.Validate(); err != nil {
			return nil, fmt.Errorf("validation failed: %w", err)
		}
	}

	return z, nil
}

// buildSOA constructs the zone's SOA record from doc.SOA, resolving an
// "auto" serial to today's date in YYYYMMDD00 form.
func buildSOA(doc *dnsZoneDocument, origin string, defaultTTL uint32) (*dns.SOA, error) {
	soa := &dns.SOA{
		Hdr: dns.RR_Header{Name: origin, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: defaultTTL},
		Ns:   dns.Fqdn(doc.SOA.PrimaryNS),
		Mbox: formatEmailAddress(doc.SOA.Contact),
	}

	if doc.SOA.Serial == "auto" {
		today := time.Now().Format("20060102")
		fmt.Sscanf(today+"00", "%d", &soa.Serial)
	} else {
		var serial uint64
		fmt.Sscanf(doc.SOA.Serial, "%d", &serial)
		soa.Serial = uint32(serial)
	}

	var err error
	if soa.Refresh, err = parseTime(doc.SOA.Refresh); err != nil {
		return nil, fmt.Errorf("invalid refresh: %w", err)
	}
	if soa.Retry, err = parseTime(doc.SOA.Retry); err != nil {
		return nil, fmt.Errorf("invalid retry: %w", err)
	}
	if soa.Expire, err = parseTime(doc.SOA.Expire); err != nil {
		return nil, fmt.Errorf("invalid expire: %w", err)
	}
	if soa.Minttl, err = parseTime(doc.SOA.NegativeTTL); err != nil {
		return nil, fmt.Errorf("invalid negative_ttl: %w", err)
	}
	return soa, nil
}

// addOwnerRecords adds every record attached to one owner name in rec to
// zone, resolving owner to a FQDN and rec.TTL (if set) over defaultTTL.
func addOwnerRecords(zone *Zone, owner string, rec ownerRecords, defaultTTL uint32) error {
	ttl := defaultTTL
	if rec.TTL > 0 {
		ttl = uint32(rec.TTL)
	}
	fqdn := zone.fullyQualify(owner)

	if err := addAddressRecords(zone, fqdn, rec.A, ttl, false); err != nil {
		return fmt.Errorf("A: %w", err)
	}
	if err := addAddressRecords(zone, fqdn, rec.AAAA, ttl, true); err != nil {
		return fmt.Errorf("AAAA: %w", err)
	}
	if rec.CNAME != "" {
		if err := zone.AddRecord(&dns.CNAME{
			Hdr:    dns.RR_Header{Name: fqdn, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: ttl},
			Target: dns.Fqdn(rec.CNAME),
		}); err != nil {
			return fmt.Errorf("CNAME: %w", err)
		}
	}
	if err := addMXRecords(zone, fqdn, rec.MX, ttl); err != nil {
		return fmt.Errorf("MX: %w", err)
	}
	if err := addNSRecords(zone, fqdn, rec.NS, ttl); err != nil {
		return fmt.Errorf("NS: %w", err)
	}
	if err := addTXTRecords(zone, fqdn, rec.TXT, ttl); err != nil {
		return fmt.Errorf("TXT: %w", err)
	}
	if err := addSRVRecords(zone, fqdn, rec.SRV, ttl); err != nil {
		return fmt.Errorf("SRV: %w", err)
	}
	return nil
}

// scalarOrList normalizes a YAML field that may be written as either a
// single string or a sequence of strings into a []string.
func scalarOrList(data interface{}) ([]string, error) {
	if data == nil {
		return nil, nil
	}
	switch v := data.(type) {
	case string:
		return []string{v}, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string entries, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a string or a list of strings, got %T", data)
	}
}

func addAddressRecords(zone *Zone, owner string, data interface{}, ttl uint32, v6 bool) error {
	addrs, err := scalarOrList(data)
	if err != nil {
		return err
	}
	for _, addrStr := range addrs {
		ip := net.ParseIP(addrStr)
		switch {
		case v6 && (ip == nil || ip.To4() != nil):
			return fmt.Errorf("invalid IPv6 address: %s", addrStr)
		case !v6 && (ip == nil || ip.To4() == nil):
			return fmt.Errorf("invalid IPv4 address: %s", addrStr)
		}
		if v6 {
			zone.AddRecord(&dns.AAAA{
				Hdr:  dns.RR_Header{Name: owner, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
				AAAA: ip.To16(),
			})
		} else {
			zone.AddRecord(&dns.A{
				Hdr: dns.RR_Header{Name: owner, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
				A:   ip.To4(),
			})
		}
	}
	return nil
}

func addNSRecords(zone *Zone, owner string, data interface{}, ttl uint32) error {
	names, err := scalarOrList(data)
	if err != nil {
		return err
	}
	for _, ns := range names {
		zone.AddRecord(&dns.NS{
			Hdr: dns.RR_Header{Name: owner, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: ttl},
			Ns:  dns.Fqdn(ns),
		})
	}
	return nil
}

func addTXTRecords(zone *Zone, owner string, data interface{}, ttl uint32) error {
	chunks, err := scalarOrList(data)
	if err != nil {
		return err
	}
	for _, txt := range chunks {
		zone.AddRecord(&dns.TXT{
			Hdr: dns.RR_Header{Name: owner, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: ttl},
			Txt: []string{txt},
		})
	}
	return nil
}

// asMapList normalizes a YAML sequence-of-maps field (MX, SRV entries)
// into []map[string]interface{}, skipping any entry that isn't a map.
func asMapList(data interface{}) ([]map[string]interface{}, error) {
	if data == nil {
		return nil, nil
	}
	seq, ok := data.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a list of entries, got %T", data)
	}
	out := make([]map[string]interface{}, 0, len(seq))
	for _, item := range seq {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func addMXRecords(zone *Zone, owner string, data interface{}, ttl uint32) error {
	entries, err := asMapList(data)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		var mx mxFields
		if p, ok := entry["priority"].(int); ok {
			mx.Priority = p
		}
		if t, ok := entry["target"].(string); ok {
			mx.Target = t
		}
		zone.AddRecord(&dns.MX{
			Hdr:        dns.RR_Header{Name: owner, Rrtype: dns.TypeMX, Class: dns.ClassINET, Ttl: ttl},
			Preference: uint16(mx.Priority),
			Mx:         dns.Fqdn(mx.Target),
		})
	}
	return nil
}

func addSRVRecords(zone *Zone, owner string, data interface{}, ttl uint32) error {
	entries, err := asMapList(data)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		var srv srvFields
		if p, ok := entry["priority"].(int); ok {
			srv.Priority = p
		}
		if w, ok := entry["weight"].(int); ok {
			srv.Weight = w
		}
		if p, ok := entry["port"].(int); ok {
			srv.Port = p
		}
		if t, ok := entry["target"].(string); ok {
			srv.Target = t
		}
		zone.AddRecord(&dns.SRV{
			Hdr:      dns.RR_Header{Name: owner, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: ttl},
			Priority: uint16(srv.Priority),
			Weight:   uint16(srv.Weight),
			Port:     uint16(srv.Port),
			Target:   dns.Fqdn(srv.Target),
		})
	}
	return nil
}

// expandTemplates applies the templates/apply sections to generate
// records. Not yet implemented: it needs variable substitution across a
// template body before the records it describes can be materialized.
func expandTemplates(zone *Zone, doc *dnsZoneDocument, defaultTTL uint32) error {
	return nil
}

// parseDuration parses a duration string, adding "d" (days) and "w"
// (weeks) suffixes on top of what time.ParseDuration understands.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	if weeks, ok := strings.CutSuffix(s, "w"); ok {
		n, err := strconv.Atoi(weeks)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// parseTime parses an SOA timing field, accepting either a duration
// string or a raw integer number of seconds.
func parseTime(s string) (uint32, error) {
	if d, err := parseDuration(s); err == nil {
		return uint32(d.Seconds()), nil
	}
	var seconds uint64
	if _, err := fmt.Sscanf(s, "%d", &seconds); err == nil {
		return uint32(seconds), nil
	}
	return 0, fmt.Errorf("invalid time format: %s", s)
}

// formatEmailAddress converts a contact address (admin@example.com) into
// its RFC 1035 SOA RNAME form (admin.example.com.).
func formatEmailAddress(email string) string {
	return dns.Fqdn(strings.ReplaceAll(email, "@", "."))
}

// dnssecAlgorithm maps an algorithm mnemonic to its DNSSEC algorithm
// number, defaulting to ECDSAP256SHA256 for anything unrecognized.
func dnssecAlgorithm(name string) uint8 {
	switch strings.ToUpper(name) {
	case "RSASHA256":
		return dns.RSASHA256
	case "RSASHA512":
		return dns.RSASHA512
	case "ECDSAP256SHA256":
		return dns.ECDSAP256SHA256
	case "ECDSAP384SHA384":
		return dns.ECDSAP384SHA384
	case "ED25519":
		return dns.ED25519
	default:
		return dns.ECDSAP256SHA256
	}
}
