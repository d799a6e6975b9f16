package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timestamp is a microsecond-resolution instant encoded on the wire as an
// integer string of microseconds since the Unix epoch, e.g.
// "1699444653874083". Workers send strings to avoid precision loss in
// JavaScript number handling; a bare JSON number is accepted too.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		return fmt.Errorf("timestamp is required")
	}

	micros, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("failed to parse timestamp %q: %w", raw, err)
	}

	t.Time = time.UnixMicro(micros).UTC()

	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(t.UnixMicro(), 10))), nil
}
