package iclock

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/araddon/dateparse"
	"github.com/spf13/cast"
	"golang.org/x/text/encoding/charmap"
)

var errMalformedLine = errors.New("malformed line")

// decodeBody returns the upload as text. Invalid UTF-8 falls back to
// ISO-8859-1, which maps every byte and never fails.
func decodeBody(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	text, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "")
	}
	return string(text)
}

// splitLines returns the non blank lines of a payload.
func splitLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// AttRecord is one ATTLOG line:
//
//	PIN \t YYYY-MM-DD HH:MM:SS \t status \t verify \t workcode ...
type AttRecord struct {
	PIN      string
	Time     time.Time
	Status   int
	Verify   int
	WorkCode string
}

// ParseAttLine parses an ATTLOG line, reading the timestamp in loc.
func ParseAttLine(line string, loc *time.Location) (AttRecord, error) {
	var rec AttRecord
	fields := strings.Split(strings.TrimSpace(line), "\t")
	if len(fields) < 2 {
		return rec, fmt.Errorf("%w: %q", errMalformedLine, line)
	}
	rec.PIN = strings.TrimSpace(fields[0])
	if rec.PIN == "" {
		return rec, fmt.Errorf("%w: empty pin", errMalformedLine)
	}
	t, err := dateparse.ParseIn(strings.TrimSpace(fields[1]), loc)
	if err != nil {
		return rec, fmt.Errorf("%w: bad time %q", errMalformedLine, fields[1])
	}
	rec.Time = t.UTC()
	if len(fields) > 2 {
		rec.Status = cast.ToInt(strings.TrimSpace(fields[2]))
	}
	if len(fields) > 3 {
		rec.Verify = cast.ToInt(strings.TrimSpace(fields[3]))
	}
	if len(fields) > 4 {
		rec.WorkCode = strings.TrimSpace(fields[4])
	}
	return rec, nil
}

// recordFields splits the body of an OPERLOG record after its prefix. Devices
// separate fields with tabs; a record without tabs is split on spaces.
func recordFields(line, prefix string) []string {
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), prefix))
	if strings.Contains(rest, "\t") {
		fields := strings.Split(rest, "\t")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		return fields
	}
	return strings.Fields(rest)
}

// parseKV reads "Key=Value" fields of USER and FP records.
func parseKV(fields []string) map[string]string {
	kv := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		kv[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return kv
}
