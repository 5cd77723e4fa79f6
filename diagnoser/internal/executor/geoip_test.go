package executor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/maxmind/mmdbwriter"
	"github.com/maxmind/mmdbwriter/mmdbtype"
)

// writeMMDB writes a one-network MaxMind database of the given type.
func writeMMDB(t *testing.T, dbType, cidr string, record mmdbtype.Map) string {
	t.Helper()

	w, err := mmdbwriter.New(mmdbwriter.Options{
		DatabaseType: dbType,
		RecordSize:   24,
	})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		t.Fatalf("parse cidr: %v", err)
	}
	if err := w.Insert(network, record); err != nil {
		t.Fatalf("insert: %v", err)
	}

	path := filepath.Join(t.TempDir(), dbType+".mmdb")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if _, err := w.WriteTo(f); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

// geoFixture builds country, ASN and anonymous-IP databases covering 81.2.69.0/24.
func geoFixture(t *testing.T, anonymous bool) GeoIPConfig {
	t.Helper()
	const cidr = "81.2.69.0/24"

	return GeoIPConfig{
		CountryDB: writeMMDB(t, "GeoLite2-Country", cidr, mmdbtype.Map{
			"country": mmdbtype.Map{"iso_code": mmdbtype.String("GB")},
		}),
		ASNDB: writeMMDB(t, "GeoLite2-ASN", cidr, mmdbtype.Map{
			"autonomous_system_number":       mmdbtype.Uint32(20712),
			"autonomous_system_organization": mmdbtype.String("Andrews & Arnold Ltd"),
		}),
		AnonymousDB: writeMMDB(t, "GeoIP2-Anonymous-IP", cidr, mmdbtype.Map{
			"is_anonymous":     mmdbtype.Bool(anonymous),
			"is_anonymous_vpn": mmdbtype.Bool(anonymous),
		}),
	}
}

func TestGeoIPExecutor_Lookup(t *testing.T) {
	tests := []struct {
		name      string
		anonymous bool
	}{
		{"residential", false},
		{"vpn", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := NewGeoIPExecutor(geoFixture(t, tt.anonymous))
			defer exec.Close()

			raw, err := exec.Execute(context.Background(), Target{Subject: "81.2.69.142"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			payload, err := UnmarshalPayload[ReputationPayload](raw)
			if err != nil {
				t.Fatalf("bad payload: %v", err)
			}

			want := map[string]string{
				FieldGeoCountry:   "GB",
				FieldGeoASN:       "AS20712",
				FieldGeoOrg:       "Andrews & Arnold Ltd",
				FieldGeoAnonymous: strconv.FormatBool(tt.anonymous),
			}
			for field, v := range want {
				if payload.Fields[field] != v {
					t.Errorf("%s: expected %q, got %q", field, v, payload.Fields[field])
				}
			}
			if payload.Proxy == nil || *payload.Proxy != tt.anonymous {
				t.Errorf("expected proxy verdict %v, got %v", tt.anonymous, payload.Proxy)
			}
		})
	}
}

func TestGeoIPExecutor_AddressNotInDatabase(t *testing.T) {
	cfg := geoFixture(t, true)
	cfg.AnonymousDB = ""
	exec := NewGeoIPExecutor(cfg)
	defer exec.Close()

	raw, err := exec.Execute(context.Background(), Target{Subject: "198.51.100.7"})
	if err != nil {
		t.Fatalf("a miss is not a failure: %v", err)
	}
	payload, _ := UnmarshalPayload[ReputationPayload](raw)
	if len(payload.Fields) != 0 {
		t.Errorf("expected no fields for an unknown address, got %v", payload.Fields)
	}
	if payload.Proxy != nil {
		t.Error("no anonymous database means no proxy verdict")
	}
}

func TestGeoIPExecutor_Fields(t *testing.T) {
	tests := []struct {
		name string
		cfg  GeoIPConfig
		want []string
	}{
		{"none", GeoIPConfig{}, nil},
		{"country", GeoIPConfig{CountryDB: "c.mmdb"}, []string{FieldGeoCountry}},
		{"all", GeoIPConfig{CountryDB: "c", ASNDB: "a", AnonymousDB: "x"}, []string{FieldGeoCountry, FieldGeoASN, FieldGeoOrg, FieldGeoAnonymous}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewGeoIPExecutor(tt.cfg).Fields()
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestGeoIPExecutor_MissingDatabaseFailsPerRequest(t *testing.T) {
	exec := NewGeoIPExecutor(GeoIPConfig{CountryDB: filepath.Join(t.TempDir(), "absent.mmdb")})
	defer exec.Close()

	for i := 0; i < 2; i++ {
		_, err := exec.Execute(context.Background(), Target{Subject: "203.0.113.10"})
		if f := Classify(err); f == nil || f.Kind != FailureUnexpectedError {
			t.Fatalf("expected UNEXPECTED_ERROR, got %v", err)
		}
	}
}

func TestGeoIPExecutor_NothingConfigured(t *testing.T) {
	_, err := NewGeoIPExecutor(GeoIPConfig{}).Execute(context.Background(), Target{Subject: "203.0.113.10"})
	if f := Classify(err); f == nil || f.Kind != FailureUnexpectedError {
		t.Fatalf("expected UNEXPECTED_ERROR, got %v", err)
	}
}

func TestFirstExisting(t *testing.T) {
	present := map[string]bool{"/b": true, "/c": true}
	exists := func(p string) bool { return present[p] }

	if got := FirstExisting([]string{"/a", "/b", "/c"}, exists); got != "/b" {
		t.Errorf("expected /b, got %q", got)
	}
	if got := FirstExisting([]string{"/a"}, exists); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}
