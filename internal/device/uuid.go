package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// bluetoothBaseSuffix is the tail of the Bluetooth SIG base UUID.
const bluetoothBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// It strips a 0x prefix and shortens 128-bit UUIDs in Bluetooth SIG base format
// (0000xxxx-0000-1000-8000-00805f9b34fb) to their 16-bit form.
// Returns "" when the input is not a valid 16, 32 or 128-bit UUID.
func NormalizeUUID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")

	switch len(s) {
	case 4, 8:
		for _, r := range s {
			if !isHex(r) {
				return ""
			}
		}
		if len(s) == 8 && strings.HasPrefix(s, "0000") {
			return s[4:]
		}
		return s
	}

	u, err := uuid.Parse(s)
	if err != nil {
		return ""
	}
	n := strings.ReplaceAll(u.String(), "-", "")
	if strings.HasPrefix(n, "0000") && strings.HasSuffix(n, bluetoothBaseSuffix) {
		return n[4:8]
	}
	return n
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		out = append(out, NormalizeUUID(u))
	}
	return out
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, u := range uuids {
		if u == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(u)
		if normalized == "" {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, u)
		}
		result = append(result, normalized)
	}
	return result, nil
}

// ContainsUUID reports whether list contains want, comparing normalized forms.
func ContainsUUID(list []string, want string) bool {
	want = NormalizeUUID(want)
	if want == "" {
		return false
	}
	for _, u := range list {
		if NormalizeUUID(u) == want {
			return true
		}
	}
	return false
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
}
