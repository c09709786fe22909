// Package normalize turns raw characteristic payloads into JSON text records.
//
// Payloads that already look like JSON (first non-space character is '[' or
// '{') pass through unchanged. Anything else is wrapped as
//
//	[{"timestamp":"2006-01-02T15:04:05.000Z","raw":"<base64>"}]
package normalize

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// TimestampFormat is RFC 3339 with millisecond precision, always in UTC.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Envelope is the wrapper written around payloads that are not JSON
type Envelope struct {
	Timestamp string `json:"timestamp"`
	Raw       string `json:"raw"`
}

// Normalize converts raw into a JSON text record using the current time for
// wrapped payloads.
func Normalize(raw []byte) (string, error) {
	return normalize(raw, time.Now(), false)
}

// NormalizeStrict is Normalize that also wraps text which starts like JSON but
// does not parse.
func NormalizeStrict(raw []byte) (string, error) {
	return normalize(raw, time.Now(), true)
}

// IsPassThrough reports whether raw would be forwarded unchanged by the
// leading-character check.
func IsPassThrough(raw []byte) bool {
	if !utf8.Valid(raw) {
		return false
	}
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{')
}

func normalize(raw []byte, now time.Time, strict bool) (string, error) {
	if IsPassThrough(raw) && (!strict || json.Valid(raw)) {
		return string(raw), nil
	}
	return Wrap(raw, now)
}

// Wrap encodes raw as a single-element envelope array stamped with now
func Wrap(raw []byte, now time.Time) (string, error) {
	body, err := json.Marshal([]Envelope{{
		Timestamp: now.UTC().Format(TimestampFormat),
		Raw:       base64.StdEncoding.EncodeToString(raw),
	}})
	if err != nil {
		return "", fmt.Errorf("failed to encode payload envelope: %w", err)
	}
	return string(body), nil
}

// Unwrap decodes a record produced by Wrap back into its envelope and payload.
func Unwrap(record string) (Envelope, []byte, error) {
	var envs []Envelope
	if err := json.Unmarshal([]byte(record), &envs); err != nil {
		return Envelope{}, nil, fmt.Errorf("record is not an envelope array: %w", err)
	}
	if len(envs) != 1 {
		return Envelope{}, nil, fmt.Errorf("envelope array has %d elements, want 1", len(envs))
	}
	raw, err := base64.StdEncoding.DecodeString(envs[0].Raw)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("envelope raw field is not base64: %w", err)
	}
	return envs[0], raw, nil
}
