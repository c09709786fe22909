package device

import (
	"fmt"
	"strings"
)

// sigBaseSuffix is the Bluetooth SIG base UUID without its leading 32-bit prefix
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// Strips braces and a 0x prefix. Full 128-bit UUIDs in Bluetooth SIG base format
// (0000xxxx-0000-1000-8000-00805f9b34fb) collapse to their 16-bit short form (xxxx).
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimSuffix(strings.TrimPrefix(s, "{"), "}")
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format.
func NormalizeUUIDs(uuids []string) []string {
	if uuids == nil {
		return nil
	}
	result := make([]string, len(uuids))
	for i, u := range uuids {
		result[i] = NormalizeUUID(u)
	}
	return result
}

// SameUUID reports whether two UUIDs name the same attribute regardless of notation.
func SameUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

// ContainsUUID reports whether uuid is in the list, comparing normalized forms.
func ContainsUUID(list []string, uuid string) bool {
	n := NormalizeUUID(uuid)
	for _, u := range list {
		if NormalizeUUID(u) == n {
			return true
		}
	}
	return false
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
// Returns the first eight characters for long UUIDs and short UUIDs by themselves.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if strings.TrimSpace(uuid) == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		if !isHex(normalized) || (len(normalized) != 4 && len(normalized) != 8 && len(normalized) != 32) {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}
