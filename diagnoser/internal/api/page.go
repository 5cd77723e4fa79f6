package api

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pilot-net/netdiag/pkg/types"
)

//go:embed templates/index.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

type row struct {
	Label string
	Value string
}

type pageData struct {
	ID       string
	ClientIP string
	Rows     []row
	Probes   []types.ProbeStatus
}

// tableRows renders the record in display order. Numbers are rounded to two
// decimals here and nowhere earlier.
func tableRows(rec types.DiagnosticRecord) []row {
	rows := []row{
		{"Server Latency (ms)", rec.ServerProcessingTime.String()},
		{"External IP Latency (ms)", rec.ExternalLatency.String()},
		{"Round-Trip Time (ms)", rec.RoundTripTime.String()},
		{"Proxy Detected", yesNo(rec.ProxyDetected)},
		{"Forwarded Header Present", yesNo(rec.ForwardedHeaderPresent)},
		{"Public IP", rec.PublicIP.String()},
	}

	names := make([]string, 0, len(rec.Reputation))
	for name := range rec.Reputation {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rows = append(rows, row{fieldLabel(name), rec.Reputation[name].String()})
	}
	return rows
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// fieldLabel turns "geo_asn" into "Geo Asn".
func fieldLabel(name string) string {
	words := strings.Fields(strings.ReplaceAll(name, "_", " "))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func (s *Server) writePage(w http.ResponseWriter, rec types.DiagnosticRecord) {
	data := pageData{
		ID:       rec.ID,
		ClientIP: rec.ClientIP,
		Rows:     tableRows(rec),
		Probes:   rec.Probes,
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		s.logger.Error("rendering page", "error", err)
		s.writeError(w, http.StatusInternalServerError, "rendering page")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
