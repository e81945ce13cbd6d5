package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed set of failure categories surfaced by the
// management services. HTTP adapters map kinds to status codes; services
// never branch on exception types.
type ErrorKind int

const (
	// KindNotFound covers missing APIs, members, users and events.
	KindNotFound ErrorKind = iota + 1
	// KindConflict covers duplicate ids, context path collisions,
	// optimistic-concurrency failures and rejected state transitions.
	KindConflict
	// KindInvariantViolation covers store corruption such as a missing
	// primary owner. It is a server-side failure, not user error.
	KindInvariantViolation
	// KindTechnical wraps storage and codec failures.
	KindTechnical
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvariantViolation:
		return "invariant_violation"
	case KindTechnical:
		return "technical"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by management services.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewApiNotFound reports a missing API record.
func NewApiNotFound(apiID string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("api %s not found", apiID)}
}

// NewUserNotFound reports a user that exists neither locally nor in any
// configured identity provider.
func NewUserNotFound(username string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("user %s not found", username)}
}

// NewMemberNotFound reports a missing membership row.
func NewMemberNotFound(apiID, username string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("user %s is not a member of api %s", username, apiID)}
}

// NewApiAlreadyExists reports an id collision on creation.
func NewApiAlreadyExists(apiID string) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf("api %s already exists", apiID)}
}

// NewContextPathAlreadyExists reports a context path collision under the
// sub-context prefix rule.
func NewContextPathAlreadyExists(contextPath string) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf("context path %s already exists", contextPath)}
}

// NewVersionConflict reports a lost optimistic-concurrency race on update.
func NewVersionConflict(apiID string) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf("api %s was modified concurrently", apiID)}
}

// NewApiRunningState rejects deletion of a started API. This is a
// user-correctable precondition, so it carries the conflict kind.
func NewApiRunningState(apiID string) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf("api %s is running, stop it before deleting", apiID)}
}

// NewInvariantViolation reports store corruption.
func NewInvariantViolation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvariantViolation, Message: fmt.Sprintf(format, args...)}
}

// NewTechnical wraps a storage or codec failure.
func NewTechnical(message string, cause error) *Error {
	return &Error{Kind: KindTechnical, Message: message, Cause: cause}
}

// KindOf extracts the kind from an error chain; unclassified errors are
// treated as technical.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTechnical
}

// IsNotFound reports whether err is a NotFound-kind error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// HTTPStatus maps an error kind to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		// Invariant violations are store corruption, not user error.
		return http.StatusInternalServerError
	}
}
