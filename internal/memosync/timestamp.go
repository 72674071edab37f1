package memosync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Millis is a point in time as milliseconds since the Unix epoch. It is the
// only timestamp representation used inside the sync core; wire formats are
// converted at the boundary.
type Millis int64

const millisLayout = "2006-01-02T15:04:05.000Z07:00"

func MillisFromTime(t time.Time) Millis {
	return Millis(t.UnixMilli())
}

// ParseMillis parses an RFC 3339 timestamp with or without fractional
// seconds. Precision below one millisecond is truncated.
func ParseMillis(raw string) (Millis, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty timestamp", ErrInvalidInput)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("%w: timestamp %q: %v", ErrInvalidInput, raw, err)
	}
	return MillisFromTime(t), nil
}

func (m Millis) Time() time.Time {
	return time.UnixMilli(int64(m)).UTC()
}

func (m Millis) IsZero() bool {
	return m == 0
}

func (m Millis) String() string {
	return m.Time().Format(millisLayout)
}

func (m Millis) MarshalJSON() ([]byte, error) {
	if m == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(m.String())
}

func (m *Millis) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = 0
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		*m = 0
		return nil
	}
	parsed, err := ParseMillis(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
