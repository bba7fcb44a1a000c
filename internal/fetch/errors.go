package fetch

import (
	"errors"
	"fmt"
)

// Class separates errors that may resolve with retries from those that
// will not.
type Class int

// Error classes.
const (
	Transient Class = iota
	Permanent
)

// Kind names the failure mode within a class.
type Kind string

// Error kinds produced by the fetcher.
const (
	KindTimeout Kind = "timeout"
	KindConnect Kind = "connect"
	KindStatus  Kind = "status"
	KindContent Kind = "content"
)

// Error is the closed tagged error type produced at the fetch call site.
// No type introspection of wrapped causes is needed downstream: the class
// and kind are assigned where the failure is observed.
type Error struct {
	Class      Class
	Kind       Kind
	URL        string
	StatusCode int
	Exhausted  bool
	Err        error
}

func (e *Error) Error() string {
	class := "transient"
	if e.Class == Permanent {
		class = "permanent"
	}
	msg := fmt.Sprintf("%s %s fetching %s", class, e.Kind, e.URL)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Exhausted {
		msg += " [retries exhausted]"
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient fetch error.
func IsTransient(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Class == Transient
}

// IsPermanent reports whether err is a permanent fetch error.
func IsPermanent(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Class == Permanent
}

// IsExhausted reports whether err is a transient error that outlived the
// retry budget.
func IsExhausted(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Exhausted
}
