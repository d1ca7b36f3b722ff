package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Detection is one sensor observation as recorded by a trap.
//
// Field types are lenient: trap firmware has shipped coordinates as
// both strings and numbers, and timestamps in several encodings. Decoding never
// fails on a single malformed field; validation happens where the value is used.
type Detection struct {
	ID         string     `json:"id"`
	Latitude   Coordinate `json:"latitude"`
	Longitude  Coordinate `json:"longitude"`
	Device     string     `json:"device,omitempty"`
	Detections Indicator  `json:"detections,omitempty"`
	File       string     `json:"file,omitempty"`
	Timestamp  Timestamp  `json:"timestamp"`
}

// Coordinate keeps the textual form of a latitude or longitude as received.
type Coordinate string

// UnmarshalJSON accepts JSON strings, numbers and null.
func (c *Coordinate) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = ""
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Coordinate(strings.TrimSpace(s))
	default:
		*c = Coordinate(data)
	}
	return nil
}

// Indicator lists detected species labels. Empty means no positive detection.
type Indicator []string

// UnmarshalJSON accepts a list, a single label, a boolean flag or null.
func (ind *Indicator) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*ind = nil
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s = strings.TrimSpace(s); s != "" {
			*ind = Indicator{s}
		}
	case 't':
		*ind = Indicator{"detected"}
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		for _, item := range items {
			var s string
			if err := json.Unmarshal(item, &s); err != nil {
				s = string(bytes.TrimSpace(item))
			}
			if s = strings.TrimSpace(s); s != "" && s != "null" {
				*ind = append(*ind, s)
			}
		}
	}
	return nil
}

// Positive reports whether the record carries a non-empty detection indicator.
func (ind Indicator) Positive() bool {
	return len(ind) > 0
}

// Label returns the first species label, if any.
func (ind Indicator) Label() string {
	if len(ind) == 0 {
		return ""
	}
	return ind[0]
}

// Timestamp is a detection instant. The zero value means absent or unparsable.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// UnmarshalJSON accepts RFC3339 strings, unix seconds or milliseconds and
// document-store timestamp objects. Anything else decodes to the zero time.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	t.Time = time.Time{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		t.Time = parseTimestampString(strings.TrimSpace(s))
	case '{':
		var obj struct {
			Seconds      *int64 `json:"seconds"`
			Nanoseconds  int64  `json:"nanoseconds"`
			USeconds     *int64 `json:"_seconds"`
			UNanoseconds int64  `json:"_nanoseconds"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil
		}
		switch {
		case obj.Seconds != nil:
			t.Time = time.Unix(*obj.Seconds, obj.Nanoseconds).UTC()
		case obj.USeconds != nil:
			t.Time = time.Unix(*obj.USeconds, obj.UNanoseconds).UTC()
		}
	default:
		if n, err := strconv.ParseFloat(string(data), 64); err == nil {
			t.Time = fromEpoch(n)
		}
	}
	return nil
}

// MarshalJSON writes RFC3339 or null for the zero time.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func parseTimestampString(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(n)
	}
	return time.Time{}
}

// fromEpoch treats values above 1e11 as milliseconds.
func fromEpoch(n float64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e11 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}
