// Package apierr defines the client's error taxonomy and the policy that
// tells callers what to do about an error: retry, sign in again, fix the
// input, or give up.
package apierr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CodeTokenNotValid is the error code the server attaches to a 401 when
// the presented access token is expired or otherwise invalid.
const CodeTokenNotValid = "token_not_valid"

// ValidationError is a local input problem caught before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NetworkError is a transport failure with no server response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthKind distinguishes authentication failures.
type AuthKind int

const (
	// TokenInvalid: the server rejected the access token as not valid.
	TokenInvalid AuthKind = iota + 1
	// RefreshFailed: the refresh call failed; the session is over.
	RefreshFailed
	// AuthRequired: there is no usable session.
	AuthRequired
	// MFARequired: a second factor must be verified first.
	MFARequired
	// MFAFailed: the second factor was rejected.
	MFAFailed
	// Unauthorized: any other 401.
	Unauthorized
)

func (k AuthKind) String() string {
	switch k {
	case TokenInvalid:
		return "token invalid"
	case RefreshFailed:
		return "refresh failed"
	case AuthRequired:
		return "authentication required"
	case MFARequired:
		return "second factor required"
	case MFAFailed:
		return "second factor rejected"
	case Unauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("auth kind %d", int(k))
	}
}

// AuthError is an authentication failure. errors.Is matches any AuthError
// of the same Kind, so the Err* sentinels below can be used as targets.
type AuthError struct {
	Kind    AuthKind
	Message string
	Err     error
}

var (
	ErrTokenInvalid  = &AuthError{Kind: TokenInvalid}
	ErrRefreshFailed = &AuthError{Kind: RefreshFailed}
	ErrAuthRequired  = &AuthError{Kind: AuthRequired}
	ErrMFARequired   = &AuthError{Kind: MFARequired}
	ErrMFAFailed     = &AuthError{Kind: MFAFailed}
	ErrUnauthorized  = &AuthError{Kind: Unauthorized}
)

func (e *AuthError) Error() string {
	msg := e.Kind.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Kind == e.Kind
}

// ServerError is a non-2xx response that is not an authentication
// failure. When Fields is non-empty it is a server-side validation error
// keyed by field name.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
	Fields     map[string][]string
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *ServerError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "server error %d", e.StatusCode)
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if len(e.Fields) > 0 {
		names := make([]string, 0, len(e.Fields))
		for name := range e.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "; %s: %s", name, strings.Join(e.Fields[name], ", "))
		}
	}
	return b.String()
}

// IsValidation reports whether the server rejected specific fields.
func (e *ServerError) IsValidation() bool {
	return len(e.Fields) > 0
}

// Disposition is the normalized outcome callers act on.
type Disposition int

const (
	// Fatal: not recoverable by retrying or re-entering input.
	Fatal Disposition = iota
	// Retry: a transient failure; trying again may succeed.
	Retry
	// Reauthenticate: the session is gone; sign in again.
	Reauthenticate
	// FixInput: the request was rejected because of what was sent.
	FixInput
)

func (d Disposition) String() string {
	switch d {
	case Retry:
		return "retry"
	case Reauthenticate:
		return "reauthenticate"
	case FixInput:
		return "fix_input"
	default:
		return "fatal"
	}
}

// Classify maps err onto a Disposition.
func Classify(err error) Disposition {
	if err == nil {
		return Fatal
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		return FixInput
	}
	var auth *AuthError
	if errors.As(err, &auth) {
		switch auth.Kind {
		case MFAFailed, MFARequired:
			return FixInput
		default:
			return Reauthenticate
		}
	}
	var network *NetworkError
	if errors.As(err, &network) {
		return Retry
	}
	var server *ServerError
	if errors.As(err, &server) {
		switch {
		case server.IsValidation(), server.StatusCode == 400, server.StatusCode == 413:
			return FixInput
		case server.StatusCode == 429, server.StatusCode >= 500:
			return Retry
		}
	}
	return Fatal
}
