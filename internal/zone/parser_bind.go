package zone

import (
	"fmt"
	"os"
	"strings"

	"github.com/miekg/dns"
	"gopkg.in/yaml.v3"
)

// ParseBIND loads a standard RFC 1035 master-file zone, using
// miekg/dns's own zone tokenizer rather than hand-rolling $ORIGIN/$TTL/
// parenthesized-multi-line handling a second time.
func ParseBIND(filename, origin string, cfg Config) (*Zone, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	defer f.Close()

	if origin != "" && origin[len(origin)-1] != '.' {
		origin += "."
	}

	z := New(origin)
	zp := dns.NewZoneParser(f, origin, filename)
	zp.SetIncludeAllowed(cfg.AllowIncludes)

	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		if err := z.AddRecord(rr); err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
	}
	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}

	if cfg.Strict {
		if err := z.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
	}
	return z, nil
}

// ExportBIND renders the zone as an RFC 1035 master file, relying on
// dns.RR's own String method for per-record formatting the way
// miekg/dns's own zone-transfer tooling does.
func (z *Zone) ExportBIND() (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "$ORIGIN %s\n", z.Origin)
	defaultTTL := uint32(3600)
	if z.SOA != nil {
		defaultTTL = z.SOA.Hdr.Ttl
	}
	fmt.Fprintf(&sb, "$TTL %d\n\n", defaultTTL)

	if z.SOA != nil {
		sb.WriteString(z.SOA.String())
		sb.WriteString("\n")
	}
	for _, rr := range z.Records[z.Origin][dns.TypeNS] {
		sb.WriteString(rr.String())
		sb.WriteString("\n")
	}

	for owner, byType := range z.Records {
		for rtype, rrs := range byType {
			if owner == z.Origin && (rtype == dns.TypeSOA || rtype == dns.TypeNS) {
				continue // already emitted above
			}
			for _, rr := range rrs {
				sb.WriteString(rr.String())
				sb.WriteString("\n")
			}
		}
	}
	return sb.String(), nil
}

// ConvertBINDToDNSZone parses a BIND master file and re-renders it as the
// YAML-based .dnszone document parser_dnszone.go loads, for operators
// migrating a hand-written zone into the declarative format.
func ConvertBINDToDNSZone(filename, origin string, cfg Config) (string, error) {
	z, err := ParseBIND(filename, origin, cfg)
	if err != nil {
		return "", err
	}

	zf := dnsZoneDocument{
		Zone:    zoneHeader{Name: strings.TrimSuffix(z.Origin, ".")},
		Records: map[string]ownerRecords{},
	}

	if z.SOA != nil {
		zf.SOA = soaFields{
			PrimaryNS: z.SOA.Ns,
			Contact:   mboxToEmail(z.SOA.Mbox),
			Serial:    "auto",
			Refresh:   durationString(z.SOA.Refresh),
			Retry:     durationString(z.SOA.Retry),
			Expire:    durationString(z.SOA.Expire),
		}
	}

	for owner, byType := range z.Records {
		rel := makeRelative(owner, z.Origin)
		sec := zf.Records[rel]
		for rtype, rrs := range byType {
			switch rtype {
			case dns.TypeSOA, dns.TypeNS:
				continue // zone-level, not per-owner in the YAML schema
			case dns.TypeA:
				var ips []string
				for _, rr := range rrs {
					ips = append(ips, rr.(*dns.A).A.String())
				}
				sec.A = ips
			case dns.TypeAAAA:
				var ips []string
				for _, rr := range rrs {
					ips = append(ips, rr.(*dns.AAAA).AAAA.String())
				}
				sec.AAAA = ips
			case dns.TypeCNAME:
				sec.CNAME = rrs[0].(*dns.CNAME).Target
			case dns.TypeTXT:
				sec.TXT = strings.Join(rrs[0].(*dns.TXT).Txt, "")
			}
		}
		zf.Records[rel] = sec
	}

	out, err := yaml.Marshal(&zf)
	if err != nil {
		return "", fmt.Errorf("marshal YAML: %w", err)
	}
	return string(out), nil
}

// mboxToEmail converts an RFC 1035 SOA RNAME mailbox encoding (the first
// dot is taken as the @; escaped dots are not distinguished) into a
// conventional email address.
func mboxToEmail(mbox string) string {
	mbox = strings.TrimSuffix(mbox, ".")
	if i := strings.Index(mbox, "."); i >= 0 {
		return mbox[:i] + "@" + mbox[i+1:]
	}
	return mbox
}

func durationString(seconds uint32) string {
	return fmt.Sprintf("%ds", seconds)
}

// makeRelative renders name relative to origin the way a hand-written
// zone file would: "@" at the apex, a bare label (or dotted label chain)
// elsewhere, and the untouched FQDN for anything outside the zone.
func makeRelative(name, origin string) string {
	if name == origin {
		return "@"
	}
	if strings.HasSuffix(name, "."+origin) {
		return strings.TrimSuffix(name, "."+origin)
	}
	return strings.TrimSuffix(name, ".")
}

// quoteIfNeeded wraps s in double quotes if it contains characters a bare
// zone-file token can't carry unescaped.
func quoteIfNeeded(s string) string {
	if s == "" {
		return s
	}
	needsQuote := s == "@" || s == "*"
	for _, r := range s {
		if r == ':' || r == ' ' || r == '"' {
			needsQuote = true
			break
		}
	}
	if !needsQuote {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
