package store

import (
	"fmt"
	"strconv"
)

// Offset is a byte position within a stream's log, measured in content
// bytes (not on-disk framing). Offsets are serialized on the wire as plain
// non-negative decimal integers.
type Offset uint64

// ZeroOffset is the starting offset for a new stream.
var ZeroOffset = Offset(0)

// String returns the canonical decimal form of the offset.
func (o Offset) String() string {
	return strconv.FormatUint(uint64(o), 10)
}

// IsZero returns true if this is the zero/starting offset.
func (o Offset) IsZero() bool {
	return o == 0
}

// Add returns a new offset with the given byte count added.
func (o Offset) Add(bytes uint64) Offset {
	return o + Offset(bytes)
}

// ParseOffset parses an offset query parameter.
//
//	""   -> ZeroOffset (beginning)
//	"-1" -> ZeroOffset, per protocol convention
//	any other non-negative decimal integer -> that offset
//
// "now" is not resolved here, since doing so requires the stream's current
// tail; callers that accept "now" must use ParseOffsetAt instead.
func ParseOffset(s string) (Offset, error) {
	if s == "" || s == "-1" {
		return ZeroOffset, nil
	}
	if s == "now" {
		return 0, fmt.Errorf("invalid offset: \"now\" requires ParseOffsetAt")
	}
	if !isValidOffsetFormat(s) {
		return 0, fmt.Errorf("invalid offset format: must be a non-negative decimal integer")
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid offset: %w", err)
	}
	return Offset(v), nil
}

// ParseOffsetAt parses an offset query parameter, resolving "now" to
// currentOffset (the stream's nextOffset as of request start).
func ParseOffsetAt(s string, currentOffset Offset) (Offset, error) {
	if s == "now" {
		return currentOffset, nil
	}
	return ParseOffset(s)
}

// isValidOffsetFormat reports whether s is one or more ASCII digits, with
// no sign and no other characters.
func isValidOffsetFormat(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Compare returns -1, 0, or 1 as a is before, equal to, or after b.
func Compare(a, b Offset) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// LessThan returns true if o < other.
func (o Offset) LessThan(other Offset) bool {
	return o < other
}

// LessThanOrEqual returns true if o <= other.
func (o Offset) LessThanOrEqual(other Offset) bool {
	return o <= other
}

// Equal returns true if o == other.
func (o Offset) Equal(other Offset) bool {
	return o == other
}
