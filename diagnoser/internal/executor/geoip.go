package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP field names.
const (
	FieldGeoCountry   = "geo_country"
	FieldGeoASN       = "geo_asn"
	FieldGeoOrg       = "geo_org"
	FieldGeoAnonymous = "geo_anonymous"
)

// Common GeoLite2 install locations, tried when no explicit path is configured.
var (
	DefaultCountryDBPaths = []string{
		"/usr/share/GeoIP/GeoLite2-Country.mmdb",
		"/usr/local/share/GeoIP/GeoLite2-Country.mmdb",
	}
	DefaultASNDBPaths = []string{
		"/usr/share/GeoIP/GeoLite2-ASN.mmdb",
		"/usr/local/share/GeoIP/GeoLite2-ASN.mmdb",
	}
)

// GeoIPConfig lists the MaxMind databases to read. Empty paths are skipped.
type GeoIPConfig struct {
	CountryDB   string
	ASNDB       string
	AnonymousDB string // GeoIP2 Anonymous IP; provides the proxy verdict
}

// GeoIPExecutor resolves the client IP against local MaxMind databases.
//
// Databases are opened on first use. A database that cannot be opened fails
// every lookup with UNEXPECTED_ERROR; the server still starts.
type GeoIPExecutor struct {
	cfg GeoIPConfig

	once      sync.Once
	openErr   error
	country   *geoip2.Reader
	asn       *geoip2.Reader
	anonymous *geoip2.Reader
}

// NewGeoIPExecutor creates a GeoIP executor.
func NewGeoIPExecutor(cfg GeoIPConfig) *GeoIPExecutor {
	return &GeoIPExecutor{cfg: cfg}
}

// Type returns the executor type identifier.
func (e *GeoIPExecutor) Type() string {
	return "geoip"
}

// Kind returns the measurement this executor produces.
func (e *GeoIPExecutor) Kind() Kind {
	return KindReputationLookup
}

// Fields lists the record fields the configured databases can populate.
func (e *GeoIPExecutor) Fields() []string {
	var fields []string
	if e.cfg.CountryDB != "" {
		fields = append(fields, FieldGeoCountry)
	}
	if e.cfg.ASNDB != "" {
		fields = append(fields, FieldGeoASN, FieldGeoOrg)
	}
	if e.cfg.AnonymousDB != "" {
		fields = append(fields, FieldGeoAnonymous)
	}
	return fields
}

// Execute looks up target.Subject in every configured database.
func (e *GeoIPExecutor) Execute(ctx context.Context, target Target) (json.RawMessage, error) {
	e.once.Do(e.open)
	if e.openErr != nil {
		return nil, Unexpected("geoip: %v", e.openErr)
	}

	ip := net.ParseIP(strings.TrimSpace(target.Subject))
	if ip == nil {
		return nil, Unexpected("geoip: invalid subject ip %q", target.Subject)
	}

	payload := ReputationPayload{Fields: make(map[string]string)}

	if e.country != nil {
		rec, err := e.country.Country(ip)
		if err != nil {
			return nil, Malformed("geoip country lookup: %v", err)
		}
		if rec.Country.IsoCode != "" {
			payload.Fields[FieldGeoCountry] = rec.Country.IsoCode
		}
	}

	if e.asn != nil {
		rec, err := e.asn.ASN(ip)
		if err != nil {
			return nil, Malformed("geoip asn lookup: %v", err)
		}
		if rec.AutonomousSystemNumber != 0 {
			payload.Fields[FieldGeoASN] = "AS" + strconv.FormatUint(uint64(rec.AutonomousSystemNumber), 10)
		}
		if rec.AutonomousSystemOrganization != "" {
			payload.Fields[FieldGeoOrg] = rec.AutonomousSystemOrganization
		}
	}

	if e.anonymous != nil {
		rec, err := e.anonymous.AnonymousIP(ip)
		if err != nil {
			return nil, Malformed("geoip anonymous lookup: %v", err)
		}
		anon := rec.IsAnonymous || rec.IsAnonymousVPN || rec.IsPublicProxy ||
			rec.IsResidentialProxy || rec.IsTorExitNode
		payload.Fields[FieldGeoAnonymous] = strconv.FormatBool(anon)
		payload.Proxy = &anon
	}

	return MarshalPayload(payload), nil
}

func (e *GeoIPExecutor) open() {
	if e.cfg.CountryDB == "" && e.cfg.ASNDB == "" && e.cfg.AnonymousDB == "" {
		e.openErr = errors.New("no database configured")
		return
	}

	var errs []error
	openDB := func(path string) *geoip2.Reader {
		if path == "" {
			return nil
		}
		r, err := geoip2.Open(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("open %s: %w", path, err))
			return nil
		}
		return r
	}

	e.country = openDB(e.cfg.CountryDB)
	e.asn = openDB(e.cfg.ASNDB)
	e.anonymous = openDB(e.cfg.AnonymousDB)
	e.openErr = errors.Join(errs...)
}

// Close releases any opened databases.
func (e *GeoIPExecutor) Close() error {
	var errs []error
	for _, r := range []*geoip2.Reader{e.country, e.asn, e.anonymous} {
		if r != nil {
			errs = append(errs, r.Close())
		}
	}
	return errors.Join(errs...)
}

// FirstExisting returns the first path for which exists reports true, or "".
func FirstExisting(paths []string, exists func(string) bool) string {
	for _, p := range paths {
		if exists(p) {
			return p
		}
	}
	return ""
}
