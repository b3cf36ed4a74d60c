package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies castore errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindAlreadyExists
	KindNotSupported
	KindInternal
)

// Error wraps an underlying error with the operation and blob key involved.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Key != "" {
		base += " " + e.Key
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is maps kinds onto the io/fs sentinels so callers can test absence with
// errors.Is(err, fs.ErrNotExist) without importing this package.
func (e *Error) Is(target error) bool {
	switch target {
	case iofs.ErrNotExist, os.ErrNotExist:
		return e.Kind == KindNotFound
	case iofs.ErrExist, os.ErrExist:
		return e.Kind == KindAlreadyExists
	}
	return false
}

func kindString(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindNotSupported:
		return "not supported"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, key string) error {
	return &Error{Kind: kind, Op: op, Key: key}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist), errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrExist), errors.Is(err, os.ErrExist):
		return KindAlreadyExists
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}
