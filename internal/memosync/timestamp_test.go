package memosync

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseMillisAcceptsNotionTimestamps(t *testing.T) {
	cases := map[string]Millis{
		"2026-03-01T09:00:00.000Z":      Millis(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).UnixMilli()),
		"2026-03-01T09:00:00Z":          Millis(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).UnixMilli()),
		"2026-03-01T18:00:00.123+09:00": Millis(time.Date(2026, 3, 1, 9, 0, 0, 123_000_000, time.UTC).UnixMilli()),
		"2026-03-01T09:00:00.123999Z":   Millis(time.Date(2026, 3, 1, 9, 0, 0, 123_000_000, time.UTC).UnixMilli()),
	}
	for raw, want := range cases {
		got, err := ParseMillis(raw)
		if err != nil {
			t.Fatalf("parse %q failed: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %d, got %d", raw, want, got)
		}
	}
}

func TestParseMillisRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "yesterday", "2026-03-01"} {
		if _, err := ParseMillis(raw); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %q, got %v", raw, err)
		}
	}
}

func TestMillisJSON(t *testing.T) {
	value := Millis(time.Date(2026, 3, 1, 9, 0, 0, 5_000_000, time.UTC).UnixMilli())
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `"2026-03-01T09:00:00.005Z"` {
		t.Fatalf("unexpected encoding %s", data)
	}
	var decoded Millis
	if err := json.Unmarshal(data, &decoded); err != nil || decoded != value {
		t.Fatalf("expected %d back, got %d (err=%v)", value, decoded, err)
	}
	zero, _ := json.Marshal(Millis(0))
	if string(zero) != "null" {
		t.Fatalf("expected zero to encode as null, got %s", zero)
	}
}
