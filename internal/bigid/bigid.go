// Package bigid compares opaque decimal content ids of arbitrary length.
//
// Ids issued by remote platforms exceed the range of int64, so a Value keeps
// the number as base-1000 groups, least significant group first.
package bigid

import (
	"fmt"
	"strconv"
	"strings"

	"notify_bot/internal/apperr"
)

const groupWidth = 3

// Value is a non-negative integer stored as 3-digit groups, least significant first.
// A Value produced by Parse never has leading zero groups.
type Value struct {
	groups []int
}

// Parse converts a decimal digit string into a Value.
func Parse(s string) (Value, error) {
	if s == "" {
		return Value{}, fmt.Errorf("%w: empty id", apperr.ErrValidation)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return Value{}, fmt.Errorf("%w: id %q is not a decimal number", apperr.ErrValidation, s)
		}
	}

	if pad := len(s) % groupWidth; pad != 0 {
		s = strings.Repeat("0", groupWidth-pad) + s
	}

	n := len(s) / groupWidth
	groups := make([]int, n)
	for i := 0; i < n; i++ {
		chunk := s[i*groupWidth : (i+1)*groupWidth]
		g, err := strconv.Atoi(chunk)
		if err != nil || g < 0 || g > 999 {
			return Value{}, fmt.Errorf("%w: bad group %q in id", apperr.ErrValidation, chunk)
		}
		groups[n-1-i] = g
	}

	for len(groups) > 1 && groups[len(groups)-1] == 0 {
		groups = groups[:len(groups)-1]
	}
	return Value{groups: groups}, nil
}

// MustParse is like Parse but panics on malformed input.
func MustParse(s string) Value {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Compare returns -1, 0 or 1 depending on whether a is less than, equal to, or greater than b.
func Compare(a, b Value) int {
	if len(a.groups) != len(b.groups) {
		if len(a.groups) < len(b.groups) {
			return -1
		}
		return 1
	}
	for i := len(a.groups) - 1; i >= 0; i-- {
		switch {
		case a.groups[i] < b.groups[i]:
			return -1
		case a.groups[i] > b.groups[i]:
			return 1
		}
	}
	return 0
}

// Less reports whether v is strictly smaller than other.
func (v Value) Less(other Value) bool {
	return Compare(v, other) < 0
}

// Equal reports whether v and other denote the same number.
func (v Value) Equal(other Value) bool {
	return Compare(v, other) == 0
}

// IsZero reports whether v is the zero Value (never parsed).
func (v Value) IsZero() bool {
	return len(v.groups) == 0
}

// String renders v in canonical decimal form.
func (v Value) String() string {
	if len(v.groups) == 0 {
		return "0"
	}
	var b strings.Builder
	b.WriteString(strconv.Itoa(v.groups[len(v.groups)-1]))
	for i := len(v.groups) - 2; i >= 0; i-- {
		fmt.Fprintf(&b, "%03d", v.groups[i])
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (v Value) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Value) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
