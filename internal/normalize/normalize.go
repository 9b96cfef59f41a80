// Package normalize converts heterogeneous raw inputs (dataset records and
// log lines) into canonical events. Normalization is pure and deterministic:
// the same raw input always yields an identical event, which makes replay
// after a crash idempotent downstream.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-grc/kestrel/internal/domain"
	"github.com/opensource-grc/kestrel/internal/sensitive"
)

// Attribute names recognized when extracting required fields.
var (
	entityKeys    = []string{"entity_id", "entityId", "user_id", "user", "account_id", "system"}
	timestampKeys = []string{"timestamp", "ts", "time", "@timestamp"}
)

// Normalize converts a raw input into a canonical event. It rejects inputs
// with no resolvable entity ID or an unparsable timestamp; rejections carry
// a MalformedInputError and the caller forwards them to the quarantine sink.
func Normalize(in domain.RawInput) (*domain.Event, error) {
	if in.TenantID == "" {
		return nil, &domain.MalformedInputError{SourceType: in.SourceType, Reason: "missing tenant id"}
	}

	var attrs map[string]any
	var err error

	switch in.SourceType {
	case domain.SourceDatasetRecord:
		attrs, err = parseRecord(in)
	case domain.SourceLogLine:
		attrs, err = parseLogLine(in)
	default:
		err = fmt.Errorf("unknown source type %q", in.SourceType)
	}
	if err != nil {
		return nil, &domain.MalformedInputError{SourceType: in.SourceType, Reason: err.Error()}
	}

	entityID := in.EntityID
	if entityID == "" {
		entityID = firstString(attrs, entityKeys)
	}
	if entityID == "" {
		return nil, &domain.MalformedInputError{SourceType: in.SourceType, Reason: "missing entity_id"}
	}

	ts, err := resolveTimestamp(in, attrs)
	if err != nil {
		return nil, &domain.MalformedInputError{SourceType: in.SourceType, Reason: err.Error()}
	}

	return &domain.Event{
		ID:         deriveEventID(in),
		TenantID:   in.TenantID,
		EntityID:   entityID,
		SourceType: in.SourceType,
		Timestamp:  ts,
		Attributes: attrs,
		RawPayload: in.Payload,
	}, nil
}

// deriveEventID produces a stable event ID. An explicit event_id in the
// input metadata wins; otherwise the ID is a content hash, so re-ingesting
// the same payload yields the same event ID.
func deriveEventID(in domain.RawInput) string {
	if id := in.Metadata["event_id"]; id != "" {
		return id
	}
	h := sha256.New()
	h.Write([]byte(in.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(in.SourceType))
	h.Write([]byte{0})
	h.Write(in.Payload)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// parseRecord parses a dataset record: a JSON object, or a CSV row when
// column headers are supplied.
func parseRecord(in domain.RawInput) (map[string]any, error) {
	payload := strings.TrimSpace(string(in.Payload))
	if payload == "" {
		return nil, fmt.Errorf("empty payload")
	}

	if strings.HasPrefix(payload, "{") {
		var attrs map[string]any
		if err := json.Unmarshal(in.Payload, &attrs); err != nil {
			return nil, fmt.Errorf("invalid JSON record: %w", err)
		}
		return attrs, nil
	}

	if len(in.Headers) == 0 {
		return nil, fmt.Errorf("CSV record without headers")
	}
	fields := splitCSV(payload)
	if len(fields) != len(in.Headers) {
		return nil, fmt.Errorf("CSV field count %d does not match %d headers", len(fields), len(in.Headers))
	}
	attrs := make(map[string]any, len(fields))
	for i, h := range in.Headers {
		attrs[h] = coerce(fields[i])
	}
	return attrs, nil
}

// parseLogLine parses a log line: JSON logs or key=value structured text.
// The message text is scanned for sensitive data and the result is attached
// as attributes for rule predicates and anomaly metrics.
func parseLogLine(in domain.RawInput) (map[string]any, error) {
	line := strings.TrimSpace(string(in.Payload))
	if line == "" {
		return nil, fmt.Errorf("empty log line")
	}

	var attrs map[string]any
	if strings.HasPrefix(line, "{") {
		if err := json.Unmarshal([]byte(line), &attrs); err != nil {
			return nil, fmt.Errorf("invalid JSON log line: %w", err)
		}
	} else {
		attrs = parseKeyValues(line)
		if len(attrs) == 0 {
			return nil, fmt.Errorf("unstructured log line")
		}
	}

	msg, _ := attrs["message"].(string)
	if action, ok := attrs["action"].(string); ok {
		msg = msg + " " + action
	}
	det := sensitive.Detect(msg)
	attrs["sensitive"] = det.Found
	attrs["sensitivity"] = float64(det.Sensitivity)
	if len(det.Kinds) > 0 {
		attrs["sensitive_kinds"] = strings.Join(det.Kinds, ",")
	}

	return attrs, nil
}

// parseKeyValues parses `key=value` pairs; values may be double-quoted.
func parseKeyValues(line string) map[string]any {
	attrs := make(map[string]any)
	rest := line
	for rest != "" {
		rest = strings.TrimLeft(rest, " ")
		eq := strings.Index(rest, "=")
		if eq <= 0 {
			break
		}
		key := rest[:eq]
		rest = rest[eq+1:]

		var val string
		if strings.HasPrefix(rest, `"`) {
			end := strings.Index(rest[1:], `"`)
			if end < 0 {
				val = rest[1:]
				rest = ""
			} else {
				val = rest[1 : end+1]
				rest = rest[end+2:]
			}
		} else {
			sp := strings.Index(rest, " ")
			if sp < 0 {
				val = rest
				rest = ""
			} else {
				val = rest[:sp]
				rest = rest[sp+1:]
			}
		}
		if strings.ContainsAny(key, `" `) {
			continue
		}
		attrs[key] = coerce(val)
	}
	return attrs
}

// coerce converts a textual field to float64 or bool when it parses as one.
// Numbers use float64 to match encoding/json behavior, keeping CSV- and
// JSON-sourced attributes comparable in CEL.
func coerce(s string) any {
	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// splitCSV splits a CSV line honoring double quotes.
func splitCSV(line string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			if inQuote && i+1 < len(line) && line[i+1] == '"' {
				cur.WriteByte('"')
				i++
			} else {
				inQuote = !inQuote
			}
		case c == ',' && !inQuote:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

// firstString returns the first of the keys present in attrs, formatted as a
// string. Identifiers often arrive as bare numbers (JSON numbers, coerced CSV
// fields), so numeric values are formatted rather than skipped.
func firstString(attrs map[string]any, keys []string) string {
	for _, k := range keys {
		switch v := attrs[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// resolveTimestamp finds and parses the event timestamp from the raw input
// or its attributes. Accepts RFC3339(Nano) and unix seconds.
func resolveTimestamp(in domain.RawInput, attrs map[string]any) (time.Time, error) {
	raw := in.Timestamp
	if raw == "" {
		for _, k := range timestampKeys {
			switch v := attrs[k].(type) {
			case string:
				raw = v
			case float64:
				return time.Unix(int64(v), 0).UTC(), nil
			}
			if raw != "" {
				break
			}
		}
	}
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", raw)
}
