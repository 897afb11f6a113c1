package manualmap

import (
	"errors"
	"strings"
)

// ErrorKind classifies a failed load.
type ErrorKind int

const (
	KindNotPEImage ErrorKind = iota + 1
	KindArchMismatch
	KindAllocationFailed
	KindEntryRejected
	KindAlreadyOpen
	KindNotMapped
)

var (
	ErrNotPEImage       = errors.New("not a PE image")
	ErrArchMismatch     = errors.New("image machine does not match the host")
	ErrAllocationFailed = errors.New("cannot allocate module memory")
	ErrEntryRejected    = errors.New("entry point rejected process attach")
	ErrAlreadyOpen      = errors.New("module is already open")
	ErrNotMapped        = errors.New("module is not mapped")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNotPEImage:
		return ErrNotPEImage
	case KindArchMismatch:
		return ErrArchMismatch
	case KindAllocationFailed:
		return ErrAllocationFailed
	case KindEntryRejected:
		return ErrEntryRejected
	case KindAlreadyOpen:
		return ErrAlreadyOpen
	case KindNotMapped:
		return ErrNotMapped
	}
	return nil
}

func (k ErrorKind) String() string {
	if err := k.sentinel(); err != nil {
		return err.Error()
	}
	return "unknown error"
}

// LoadError reports which step of a load failed and why. It matches the
// sentinel of its Kind with errors.Is.
type LoadError struct {
	Kind  ErrorKind
	Phase string
	Cause error
}

func (e *LoadError) Error() string {
	var b strings.Builder
	b.WriteString("manualmap")
	if e.Phase != "" {
		b.WriteString(": ")
		b.WriteString(e.Phase)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *LoadError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

func loadError(kind ErrorKind, phase string, cause error) *LoadError {
	return &LoadError{Kind: kind, Phase: phase, Cause: cause}
}
