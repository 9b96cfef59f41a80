package normalize

import (
	"testing"
	"time"

	"github.com/opensource-grc/kestrel/internal/domain"
)

func jsonRecord(payload string) domain.RawInput {
	return domain.RawInput{
		SourceType: domain.SourceDatasetRecord,
		TenantID:   "tenant-001",
		Payload:    []byte(payload),
	}
}

func TestNormalizeJSONRecord(t *testing.T) {
	in := jsonRecord(`{"entity_id":"acct-9","timestamp":"2024-03-01T10:00:00Z","status":"fail","amount":120.5}`)

	ev, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.EntityID != "acct-9" {
		t.Errorf("EntityID = %q, want acct-9", ev.EntityID)
	}
	if ev.Timestamp != time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) {
		t.Errorf("Timestamp = %v", ev.Timestamp)
	}
	if v, _ := ev.NumberAttr("amount"); v != 120.5 {
		t.Errorf("amount = %v, want 120.5", v)
	}
	if ev.StringAttr("status") != "fail" {
		t.Errorf("status = %q, want fail", ev.StringAttr("status"))
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	in := jsonRecord(`{"entity_id":"e1","timestamp":"2024-03-01T10:00:00Z","x":1}`)

	a, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	b, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if a.ID != b.ID {
		t.Errorf("event IDs differ: %s vs %s", a.ID, b.ID)
	}
	if !a.Timestamp.Equal(b.Timestamp) || a.EntityID != b.EntityID {
		t.Errorf("events differ: %+v vs %+v", a, b)
	}
}

func TestNormalizeExplicitEventID(t *testing.T) {
	in := jsonRecord(`{"entity_id":"e1","timestamp":"2024-03-01T10:00:00Z"}`)
	in.Metadata = map[string]string{"event_id": "evt-42"}

	ev, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.ID != "evt-42" {
		t.Errorf("ID = %q, want evt-42", ev.ID)
	}
}

func TestNormalizeRejections(t *testing.T) {
	cases := []struct {
		name string
		in   domain.RawInput
	}{
		{"missing entity", jsonRecord(`{"timestamp":"2024-03-01T10:00:00Z"}`)},
		{"bad timestamp", jsonRecord(`{"entity_id":"e1","timestamp":"not-a-time"}`)},
		{"missing timestamp", jsonRecord(`{"entity_id":"e1"}`)},
		{"invalid json", jsonRecord(`{"entity_id":`)},
		{"empty payload", jsonRecord(``)},
		{"missing tenant", domain.RawInput{
			SourceType: domain.SourceDatasetRecord,
			Payload:    []byte(`{"entity_id":"e1","timestamp":"2024-03-01T10:00:00Z"}`),
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.in)
			if err == nil {
				t.Fatal("expected rejection")
			}
			if !domain.IsMalformedInput(err) {
				t.Errorf("expected MalformedInputError, got %T: %v", err, err)
			}
		})
	}
}

func TestNormalizeCSVRecord(t *testing.T) {
	in := domain.RawInput{
		SourceType: domain.SourceDatasetRecord,
		TenantID:   "tenant-001",
		Headers:    []string{"entity_id", "timestamp", "control", "passed"},
		Payload:    []byte(`sys-1,2024-05-10T08:30:00Z,"AC-2,AC-3",false`),
	}

	ev, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.EntityID != "sys-1" {
		t.Errorf("EntityID = %q", ev.EntityID)
	}
	if ev.StringAttr("control") != "AC-2,AC-3" {
		t.Errorf("control = %q, want quoted field preserved", ev.StringAttr("control"))
	}
	if v, ok := ev.Attr("passed").(bool); !ok || v {
		t.Errorf("passed = %v, want false bool", ev.Attr("passed"))
	}
}

func TestNormalizeNumericEntityID(t *testing.T) {
	t.Run("JSONNumber", func(t *testing.T) {
		in := jsonRecord(`{"entity_id":12345,"timestamp":"2026-01-02T03:04:05Z","amount":10}`)
		ev, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize failed: %v", err)
		}
		if ev.EntityID != "12345" {
			t.Errorf("EntityID = %q, want 12345", ev.EntityID)
		}
	})

	t.Run("CSVNumber", func(t *testing.T) {
		in := domain.RawInput{
			SourceType: domain.SourceDatasetRecord,
			TenantID:   "tenant-001",
			Headers:    []string{"entity_id", "timestamp", "amount"},
			Payload:    []byte(`12345,2026-01-02T03:04:05Z,10`),
		}
		ev, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize failed: %v", err)
		}
		if ev.EntityID != "12345" {
			t.Errorf("EntityID = %q, want 12345", ev.EntityID)
		}
	})

	t.Run("FractionalIDKeepsDigits", func(t *testing.T) {
		in := jsonRecord(`{"user_id":98765.5,"timestamp":"2026-01-02T03:04:05Z"}`)
		ev, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize failed: %v", err)
		}
		if ev.EntityID != "98765.5" {
			t.Errorf("EntityID = %q, want 98765.5", ev.EntityID)
		}
	})
}

func TestNormalizeCSVFieldMismatch(t *testing.T) {
	in := domain.RawInput{
		SourceType: domain.SourceDatasetRecord,
		TenantID:   "tenant-001",
		Headers:    []string{"entity_id", "timestamp"},
		Payload:    []byte(`a,b,c`),
	}
	if _, err := Normalize(in); !domain.IsMalformedInput(err) {
		t.Errorf("expected MalformedInputError, got %v", err)
	}
}

func TestNormalizeLogLineKeyValue(t *testing.T) {
	in := domain.RawInput{
		SourceType: domain.SourceLogLine,
		TenantID:   "tenant-001",
		Payload:    []byte(`user=alice timestamp=2024-03-01T10:00:00Z level=error message="lookup MRN: 123456 failed"`),
	}

	ev, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.EntityID != "alice" {
		t.Errorf("EntityID = %q, want alice", ev.EntityID)
	}
	if ev.StringAttr("level") != "error" {
		t.Errorf("level = %q", ev.StringAttr("level"))
	}
	if got, _ := ev.Attr("sensitive").(bool); !got {
		t.Error("expected sensitive=true for MRN in message")
	}
	if v, _ := ev.NumberAttr("sensitivity"); v != 5 {
		t.Errorf("sensitivity = %v, want 5", v)
	}
}

func TestNormalizeLogLineJSON(t *testing.T) {
	in := domain.RawInput{
		SourceType: domain.SourceLogLine,
		TenantID:   "tenant-001",
		Payload:    []byte(`{"user":"bob","ts":"2024-03-01T10:00:00Z","message":"ok"}`),
	}

	ev, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.EntityID != "bob" {
		t.Errorf("EntityID = %q, want bob", ev.EntityID)
	}
	if got, _ := ev.Attr("sensitive").(bool); got {
		t.Error("expected sensitive=false for clean message")
	}
}

func TestNormalizeUnixTimestamp(t *testing.T) {
	in := jsonRecord(`{"entity_id":"e1","timestamp":1709287200}`)
	ev, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.Timestamp.Unix() != 1709287200 {
		t.Errorf("Timestamp = %v", ev.Timestamp)
	}
}
