package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure of the database client or its token lifecycle.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidURLString
	KindUnableToCreateRequest
	KindNotFound
	KindInvalidDatabase
	KindBadRequest
	KindUnauthorized
	KindServerError
	KindDatabaseUnavailable
	KindUnknownError
	KindAuthenticationTokenNotRefreshed
	KindInvalidPrivateKey
	KindSigningFailure
	KindEnvironmentVariablesNotFound
	KindTransport
)

var kindNames = map[Kind]string{
	KindUnknown:                         "unknown",
	KindInvalidURLString:                "invalid URL string",
	KindUnableToCreateRequest:           "unable to create request",
	KindNotFound:                        "not found",
	KindInvalidDatabase:                 "invalid database",
	KindBadRequest:                      "bad request",
	KindUnauthorized:                    "unauthorized",
	KindServerError:                     "server error",
	KindDatabaseUnavailable:             "database unavailable",
	KindUnknownError:                    "unknown error",
	KindAuthenticationTokenNotRefreshed: "authentication token was not refreshed",
	KindInvalidPrivateKey:               "invalid private key",
	KindSigningFailure:                  "signing failure",
	KindEnvironmentVariablesNotFound:    "environment variables not found",
	KindTransport:                       "transport error",
}

// String returns the kind name used in messages and metric labels.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is matching. An *Error matches the sentinel of its Kind.
var (
	ErrInvalidURLString                = &Error{Kind: KindInvalidURLString}
	ErrUnableToCreateRequest           = &Error{Kind: KindUnableToCreateRequest}
	ErrNotFound                        = &Error{Kind: KindNotFound}
	ErrInvalidDatabase                 = &Error{Kind: KindInvalidDatabase}
	ErrBadRequest                      = &Error{Kind: KindBadRequest}
	ErrUnauthorized                    = &Error{Kind: KindUnauthorized}
	ErrServerError                     = &Error{Kind: KindServerError}
	ErrDatabaseUnavailable             = &Error{Kind: KindDatabaseUnavailable}
	ErrUnknownError                    = &Error{Kind: KindUnknownError}
	ErrAuthenticationTokenNotRefreshed = &Error{Kind: KindAuthenticationTokenNotRefreshed}
	ErrInvalidPrivateKey               = &Error{Kind: KindInvalidPrivateKey}
	ErrSigningFailure                  = &Error{Kind: KindSigningFailure}
	ErrEnvironmentVariablesNotFound    = &Error{Kind: KindEnvironmentVariablesNotFound}
	ErrTransport                       = &Error{Kind: KindTransport}
)

// Error is a domain error carrying its Kind and the operation that produced it.
type Error struct {
	Kind   Kind
	Op     string
	Path   string
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (path %q)", e.Path)
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New returns an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// FromStatus maps an HTTP status code to a domain error kind.
// The mapping is total: 200 yields ok=false, every other code yields a kind.
func FromStatus(code int) (Kind, bool) {
	switch code {
	case 200:
		return KindUnknown, false
	case 400:
		return KindBadRequest, true
	case 401:
		return KindUnauthorized, true
	case 404:
		return KindNotFound, true
	case 500:
		return KindServerError, true
	case 503:
		return KindDatabaseUnavailable, true
	default:
		return KindUnknownError, true
	}
}

// Config errors

type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

type ErrConfigParse struct {
	Err error
}

func (e *ErrConfigParse) Error() string {
	return fmt.Sprintf("failed to parse YAML: %v", e.Err)
}

func (e *ErrConfigParse) Unwrap() error {
	return e.Err
}

type ErrConfigValidation struct {
	Err error
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ErrConfigValidation) Unwrap() error {
	return e.Err
}

// ErrMissingEnv is returned when credentials are read from the environment
// and one or more variables are unset. It matches ErrEnvironmentVariablesNotFound.
type ErrMissingEnv struct {
	Names []string
}

func (e *ErrMissingEnv) Error() string {
	return fmt.Sprintf("environment variables not found: %v", e.Names)
}

// Is matches ErrEnvironmentVariablesNotFound.
func (e *ErrMissingEnv) Is(target error) bool {
	return target == ErrEnvironmentVariablesNotFound
}

// Database errors

type ErrDatabaseOpen struct {
	Path string
	Err  error
}

func (e *ErrDatabaseOpen) Error() string {
	return fmt.Sprintf("failed to open database %s: %v", e.Path, e.Err)
}

func (e *ErrDatabaseOpen) Unwrap() error {
	return e.Err
}

type ErrDatabaseMigration struct {
	Version int
	Err     error
}

func (e *ErrDatabaseMigration) Error() string {
	return fmt.Sprintf("database migration %d failed: %v", e.Version, e.Err)
}

func (e *ErrDatabaseMigration) Unwrap() error {
	return e.Err
}

type ErrDatabaseQuery struct {
	Operation string
	Err       error
}

func (e *ErrDatabaseQuery) Error() string {
	return fmt.Sprintf("database query failed for operation %s: %v", e.Operation, e.Err)
}

func (e *ErrDatabaseQuery) Unwrap() error {
	return e.Err
}

// Server errors

type ErrServerStart struct {
	Addr string
	Err  error
}

func (e *ErrServerStart) Error() string {
	return fmt.Sprintf("failed to start server on %s: %v", e.Addr, e.Err)
}

func (e *ErrServerStart) Unwrap() error {
	return e.Err
}

type ErrServerShutdown struct {
	Err error
}

func (e *ErrServerShutdown) Error() string {
	return fmt.Sprintf("server shutdown failed: %v", e.Err)
}

func (e *ErrServerShutdown) Unwrap() error {
	return e.Err
}

// Filesystem errors

type ErrDirectoryCreate struct {
	Path string
	Err  error
}

func (e *ErrDirectoryCreate) Error() string {
	return fmt.Sprintf("failed to create directory %s: %v", e.Path, e.Err)
}

func (e *ErrDirectoryCreate) Unwrap() error {
	return e.Err
}

type ErrFileRead struct {
	Path string
	Err  error
}

func (e *ErrFileRead) Error() string {
	return fmt.Sprintf("failed to read file %s: %v", e.Path, e.Err)
}

func (e *ErrFileRead) Unwrap() error {
	return e.Err
}
