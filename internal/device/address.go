package device

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxAddress is the largest valid 48-bit device address.
const MaxAddress Address = 1<<48 - 1

// Address is a 48-bit BLE device address stored in the low bits of a uint64.
// The canonical string form is six colon-separated upper-case hex bytes in
// big-endian order, e.g. 0xE61F69181338 is "E6:1F:69:18:13:38".
type Address uint64

// FormatError reports a malformed address string.
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid device address %q: %s", e.Input, e.Reason)
}

// String encodes the address in canonical colon-separated form.
// Bits above the 48th are ignored.
func (a Address) String() string {
	const hexDigits = "0123456789ABCDEF"

	var buf [17]byte
	v := uint64(a)
	for i := 5; i >= 0; i-- {
		b := byte(v)
		v >>= 8
		pos := i * 3
		buf[pos] = hexDigits[b>>4]
		buf[pos+1] = hexDigits[b&0x0F]
		if i > 0 {
			buf[pos-1] = ':'
		}
	}
	return string(buf[:])
}

// Bytes returns the six address bytes in big-endian order.
func (a Address) Bytes() [6]byte {
	var out [6]byte
	v := uint64(a)
	for i := 5; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

// ParseAddress decodes the canonical colon-separated form. Hex digits may be
// upper or lower case; anything other than exactly six two-digit groups fails
// with a *FormatError.
func ParseAddress(text string) (Address, error) {
	groups := strings.Split(text, ":")
	if len(groups) != 6 {
		return 0, &FormatError{Input: text, Reason: fmt.Sprintf("expected 6 groups, got %d", len(groups))}
	}

	var v uint64
	for i, g := range groups {
		if len(g) != 2 {
			return 0, &FormatError{Input: text, Reason: fmt.Sprintf("group %d must be 2 hex digits", i+1)}
		}
		b, err := strconv.ParseUint(g, 16, 8)
		if err != nil {
			return 0, &FormatError{Input: text, Reason: fmt.Sprintf("group %d is not hex", i+1)}
		}
		v = v<<8 | b
	}
	return Address(v), nil
}

// MustParseAddress is like ParseAddress but panics on malformed input.
func MustParseAddress(text string) Address {
	a, err := ParseAddress(text)
	if err != nil {
		panic(err)
	}
	return a
}
