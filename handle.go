package rpkica

import (
	"fmt"
	"strings"
)

// MaxHandleLength is the longest accepted handle in bytes.
const MaxHandleLength = 255

// Handle identifies an aggregate within its namespace.
type Handle string

// ParseHandle validates s as a handle: 1 to 255 bytes of letters, digits,
// '-', '_' and '.', not starting with '-' or '.'.
func ParseHandle(s string) (Handle, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidHandle)
	}
	if len(s) > MaxHandleLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidHandle, MaxHandleLength)
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, ".") {
		return "", fmt.Errorf("%w: %q starts with %q", ErrInvalidHandle, s, s[:1])
	}
	for i := 0; i < len(s); i++ {
		if !handleByte(s[i]) {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidHandle, s, s[i])
		}
	}
	return Handle(s), nil
}

// MustHandle is ParseHandle for literals. It panics on invalid input.
func MustHandle(s string) Handle {
	h, err := ParseHandle(s)
	if err != nil {
		panic(err)
	}
	return h
}

func handleByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.':
		return true
	}
	return false
}

// String returns the handle text.
func (h Handle) String() string { return string(h) }
