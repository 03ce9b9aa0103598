// Package apperr classifies gateway errors so callers can branch on what went
// wrong without knowing which component produced the failure.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error.
type Kind int

const (
	Internal Kind = iota
	NotFound
	Conflict
	InvalidBucket
	Invalid
	BackendUnavailable
	BackendCorrupt
	InvariantViolation
	UnknownBackend
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Conflict:
		return "conflict"
	case InvalidBucket:
		return "invalid bucket"
	case Invalid:
		return "invalid argument"
	case BackendUnavailable:
		return "backend unavailable"
	case BackendCorrupt:
		return "backend corrupt"
	case InvariantViolation:
		return "invariant violation"
	case UnknownBackend:
		return "unknown backend"
	default:
		return "internal error"
	}
}

// Error carries a Kind together with the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	msg string
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.msg
	if base == "" {
		base = e.Kind.String()
	}
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// New returns a sentinel error of the given kind. Sentinels are compared with
// errors.Is and keep their kind through fmt.Errorf("%w") wrapping.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, msg: msg}
}

// Wrap annotates err with a kind and operation. Wrap(nil) returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the outermost kind found in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the text of the outermost classified error without any
// of the context wrapped around or beneath it.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.msg != "" {
		return e.msg
	}
	return KindOf(err).String()
}

// Status is the coarse outcome exposed across the protocol boundary.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusConflict
	StatusServiceUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NotFound"
	case StatusConflict:
		return "Conflict"
	default:
		return "ServiceUnavailable"
	}
}

// HTTPStatus maps the status to an HTTP response code.
func (s Status) HTTPStatus() int {
	switch s {
	case StatusOK:
		return http.StatusOK
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

// Public collapses err into one of the four caller-visible outcomes. Backend
// names, retry counts and invariant details never cross this boundary.
func Public(err error) Status {
	if err == nil {
		return StatusOK
	}
	switch KindOf(err) {
	case NotFound, InvalidBucket:
		return StatusNotFound
	case Conflict, Invalid:
		return StatusConflict
	default:
		return StatusServiceUnavailable
	}
}
