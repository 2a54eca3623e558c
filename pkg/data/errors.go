package data

import (
	"fmt"
)

// Kind classifies failures. A Kind is itself an error so callers can
// write errors.Is(err, data.NotFound).
type Kind string

func (k Kind) Error() string {
	return string(k)
}

const (
	NotFound            Kind = "not found"
	PlatformUnsupported Kind = "platform unsupported"
	NetworkFailure      Kind = "network failure"
	IOFailure           Kind = "io failure"
	ParseFailure        Kind = "parse failure"
)

// Error is a failure of a given Kind raised by operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}

	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Fail builds an Error. err may be nil.
func Fail(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ErrNoCompatibleAsset is returned when a release carries no asset usable
// on the running platform.
var ErrNoCompatibleAsset = &Error{Kind: PlatformUnsupported, Op: "select asset"}
