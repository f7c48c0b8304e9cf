package resources

import (
	"errors"
	"fmt"
)

// ErrParse is the sentinel matched by every *ParseError.
var ErrParse = errors.New("rpkica/resources: parse error")

// ParseErrorKind classifies a resource parse failure.
type ParseErrorKind int

const (
	// KindMalformed is input that is not an ASN, prefix, range or address.
	KindMalformed ParseErrorKind = iota

	// KindReversedRange is a range whose start lies after its end.
	KindReversedRange

	// KindWrongFamily is an IPv6 item in an IPv4 set or the other way round.
	KindWrongFamily

	// KindHostBits is a prefix with bits set beyond its length.
	KindHostBits
)

// String returns the kind name.
func (k ParseErrorKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindReversedRange:
		return "reversed range"
	case KindWrongFamily:
		return "wrong address family"
	case KindHostBits:
		return "host bits set"
	default:
		return "unknown"
	}
}

// ParseError reports the offending input of a failed resource parse.
type ParseError struct {
	Kind  ParseErrorKind
	Input string
	Cause error
}

// Error returns the error message.
func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rpkica/resources: %s: %q: %v", e.Kind, e.Input, e.Cause)
	}
	return fmt.Sprintf("rpkica/resources: %s: %q", e.Kind, e.Input)
}

// Is reports whether this error matches the target error.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// Unwrap returns the underlying cause.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

func parseErr(kind ParseErrorKind, input string, cause error) *ParseError {
	return &ParseError{Kind: kind, Input: input, Cause: cause}
}
