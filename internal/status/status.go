// Package status defines the closed set of status kinds the serializer
// and protocols surface to clients (spec §6), wrapped in a structured
// error type in the style of this corpus's categorized application
// errors (grounded on scttfrdmn-objectfs/pkg/errors), generalized from
// an open string-code set to the closed enum this spec names.
package status

import (
	"encoding/json"
	"fmt"
)

// Kind is one of the status values a client request or protocol
// rejection can resolve to.
type Kind int

const (
	Success Kind = iota
	OldNodeVer
	NewNodeVer
	InvalidCtime
	InvalidEpoch
	NotFormatted
	WaitForFormat
	WaitForJoin
	Shutdown
	JoinFailed
	Halt
	VerMismatch
	NoTag
	NoMem
	SystemError
	Unknown
)

var names = map[Kind]string{
	Success:       "Success",
	OldNodeVer:    "OldNodeVer",
	NewNodeVer:    "NewNodeVer",
	InvalidCtime:  "InvalidCtime",
	InvalidEpoch:  "InvalidEpoch",
	NotFormatted:  "NotFormatted",
	WaitForFormat: "WaitForFormat",
	WaitForJoin:   "WaitForJoin",
	Shutdown:      "Shutdown",
	JoinFailed:    "JoinFailed",
	Halt:          "Halt",
	VerMismatch:   "VerMismatch",
	NoTag:         "NoTag",
	NoMem:         "NoMem",
	SystemError:   "SystemError",
	Unknown:       "Unknown",
}

func (k Kind) String() string {
	if n, ok := names[k]; ok {
		return n
	}
	return "Unknown"
}

var byName = func() map[string]Kind {
	m := make(map[string]Kind, len(names))
	for k, n := range names {
		m[n] = k
	}
	return m
}()

// MarshalJSON renders a Kind by name rather than its numeric wire value,
// so a status surfaced in an HTTP/JSON response reads as "WaitForJoin"
// rather than an opaque integer.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON parses a Kind by name, falling back to Unknown for
// anything not in the closed set.
func (k *Kind) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	if v, ok := byName[name]; ok {
		*k = v
		return nil
	}
	*k = Unknown
	return nil
}

// Error wraps a Kind with optional context, so callers can propagate a
// status through the request/response header (§6) while still carrying
// a Go error for logs. Cause is excluded from its JSON form: an
// underlying error may not itself be serializable and isn't meaningful
// to a remote client.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message,omitempty"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a status Error with a Kind and message, no underlying cause.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Message: msg}
}

// Wrap builds a status Error carrying an underlying cause.
func Wrap(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, else
// Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Success
	}
	var se *Error
	if ok := asStatusError(err, &se); ok {
		return se.Kind
	}
	return Unknown
}

func asStatusError(err error, target **Error) bool {
	for err != nil {
		if se, ok := err.(*Error); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
