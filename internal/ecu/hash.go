package ecu

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Domain prefix for content-addressed changeset identity.
// Version suffix enables future algorithm migration.
const domainChangeset = "tunegate/changeset/v1"

// ChangesetID computes the content-addressed identity of a changeset.
//
// The canonical form is a line-oriented encoding: header fields first,
// then one line per change in the order the author listed them (edit
// order is meaningful: later edits to the same cell win). Free-text
// fields are NFC normalized so visually identical author/notes strings
// hash identically regardless of the producing platform's composition.
//
// The ID field itself is excluded, everything else participates.
func ChangesetID(cs Changeset) (string, error) {
	if cs.EngineID == "" {
		return "", fmt.Errorf("changeset missing engine id")
	}

	var b strings.Builder
	writeField := func(name, value string) {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(norm.NFC.String(value))
		b.WriteByte('\n')
	}

	writeField("profile", cs.ProfileID)
	writeField("engine", cs.EngineID)
	writeField("author", cs.Author)
	writeField("notes", cs.Notes)
	writeField("created", cs.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z"))

	for _, ch := range cs.Changes {
		b.WriteString(norm.NFC.String(ch.MapID))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ch.Row))
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(ch.Col))
		b.WriteByte(':')
		b.WriteString(canonicalFloat(ch.OldValue))
		b.WriteString("->")
		b.WriteString(canonicalFloat(ch.NewValue))
		b.WriteByte('\n')
	}

	return hashWithDomain(domainChangeset, []byte(b.String())), nil
}

// canonicalFloat renders a float with the shortest representation that
// round-trips, so the same value always hashes the same bytes.
func canonicalFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data). The null separator prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
