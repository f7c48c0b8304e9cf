package ca

import (
	"errors"
	"fmt"

	"github.com/AshkanYarmoradi/go-rpkica"
)

// ErrDomain matches every *Error.
var ErrDomain = errors.New("rpkica/ca: command rejected")

// ErrorKind classifies a rejected command.
type ErrorKind int

const (
	ErrKindChildExists ErrorKind = iota + 1
	ErrKindUnknownChild
	ErrKindEmptyResources
	ErrKindResourcesNotHeld
	ErrKindSigner
	ErrKindSelfDelegation
	ErrKindParentExists
	ErrKindUnknownParent
	ErrKindNoCertificate
	ErrKindInvalidCertificate
)

var kindNames = map[ErrorKind]string{
	ErrKindChildExists:        "child exists",
	ErrKindUnknownChild:       "unknown child",
	ErrKindEmptyResources:     "empty resources",
	ErrKindResourcesNotHeld:   "resources not held",
	ErrKindSigner:             "signer failure",
	ErrKindSelfDelegation:     "self delegation",
	ErrKindParentExists:       "parent exists",
	ErrKindUnknownParent:      "unknown parent",
	ErrKindNoCertificate:      "no certificate",
	ErrKindInvalidCertificate: "invalid certificate",
}

// String returns the kind name.
func (k ErrorKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a domain rejection returned from ProcessCommand. Nothing is
// recorded for a rejected command.
type Error struct {
	Kind   ErrorKind
	CA     rpkica.Handle
	Detail string
	Cause  error
}

// Error returns the error message.
func (e *Error) Error() string {
	msg := fmt.Sprintf("rpkica/ca: %s: %s", e.CA, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is matches ErrDomain and any *Error of the same kind.
func (e *Error) Is(target error) bool {
	if target == ErrDomain {
		return true
	}
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsKind reports whether err is a domain error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func rejectf(ca rpkica.Handle, kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, CA: ca, Detail: fmt.Sprintf(format, args...)}
}
