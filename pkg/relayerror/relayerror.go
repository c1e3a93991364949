// Package relayerror carries the machine-readable rejection reasons returned
// to clients in OK and CLOSED messages, in the form "<prefix>: <message>".
package relayerror

import (
	"errors"
	"fmt"
	"strings"
)

type Prefix string

const (
	Duplicate   Prefix = "duplicate"
	PoW         Prefix = "pow"
	Blocked     Prefix = "blocked"
	RateLimited Prefix = "rate-limited"
	Invalid     Prefix = "invalid"
	Error       Prefix = "error"
)

// T is a rejection with a client-facing prefix.
type T struct {
	Prefix  Prefix
	Message string
}

func (e *T) Error() string { return string(e.Prefix) + ": " + e.Message }

// Is matches another *T with the same prefix, so errors.Is(err,
// &T{Prefix: Blocked}) tests the category.
func (e *T) Is(target error) bool {
	var t *T
	if !errors.As(target, &t) {
		return false
	}
	return t.Prefix == e.Prefix && (t.Message == "" || t.Message == e.Message)
}

func New(p Prefix, format string, a ...any) *T {
	return &T{Prefix: p, Message: fmt.Sprintf(format, a...)}
}

func NewBlocked(format string, a ...any) *T     { return New(Blocked, format, a...) }
func NewInvalid(format string, a ...any) *T     { return New(Invalid, format, a...) }
func NewDuplicate(format string, a ...any) *T   { return New(Duplicate, format, a...) }
func NewRateLimited(format string, a ...any) *T { return New(RateLimited, format, a...) }
func NewPoW(format string, a ...any) *T         { return New(PoW, format, a...) }
func NewError(format string, a ...any) *T       { return New(Error, format, a...) }

// As extracts a relay error from err's chain.
func As(err error) (re *T, ok bool) {
	ok = errors.As(err, &re)
	return
}

// HasPrefix reports whether err is a relay error of category p.
func HasPrefix(err error, p Prefix) bool {
	re, ok := As(err)
	return ok && re.Prefix == p
}

// Reason renders any error as an OK/CLOSED reason string. Errors that are not
// relay errors are reported under the generic error prefix.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if re, ok := As(err); ok {
		return re.Error()
	}
	return string(Error) + ": " + err.Error()
}

// Parse splits a reason string received from a peer back into a relay error.
// Unknown prefixes are reported as Error with the full text as message.
func Parse(reason string) *T {
	if i := strings.Index(reason, ": "); i > 0 {
		switch p := Prefix(reason[:i]); p {
		case Duplicate, PoW, Blocked, RateLimited, Invalid, Error:
			return &T{Prefix: p, Message: reason[i+2:]}
		}
	}
	return &T{Prefix: Error, Message: reason}
}
