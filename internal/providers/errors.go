package providers

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthKind classifies credential failures surfaced by Driver.Init.
type AuthKind string

const (
	MissingCredentials      AuthKind = "missing_credentials"
	InvalidToken            AuthKind = "invalid_token"
	InsufficientPermissions AuthKind = "insufficient_permissions"
	ServiceUnavailable      AuthKind = "service_unavailable"
)

// AuthError is fatal for the whole command and never retried. Remediation
// carries the vendor-specific next step shown to the user.
type AuthError struct {
	Provider    string
	Kind        AuthKind
	Remediation string
	Err         error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s auth (%s): %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s auth (%s)", e.Provider, e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

// CreateKind classifies per-instance provisioning failures.
type CreateKind string

const (
	RateLimited            CreateKind = "rate_limited"
	QuotaExceeded          CreateKind = "quota_exceeded"
	NetworkFailure         CreateKind = "network_failure"
	IncompleteProvisioning CreateKind = "incomplete_provisioning"
	UnknownCreate          CreateKind = "unknown"
)

// CreateError reports one failed provisioning attempt. ResourceID is set
// for IncompleteProvisioning so a later cleanup can still find the
// partially created resource.
type CreateError struct {
	Provider   string
	Kind       CreateKind
	ResourceID string
	Err        error
}

func (e *CreateError) Error() string {
	if e.ResourceID != "" {
		return fmt.Sprintf("%s create (%s, resource %s): %v", e.Provider, e.Kind, e.ResourceID, e.Err)
	}
	return fmt.Sprintf("%s create (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// DeleteKind classifies teardown failures.
type DeleteKind string

const (
	NotFound         DeleteKind = "not_found"
	DependencyExists DeleteKind = "dependency_exists"
	DeleteNetwork    DeleteKind = "network_failure"
)

type DeleteError struct {
	Provider string
	Kind     DeleteKind
	ID       string
	Err      error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("%s delete %s (%s): %v", e.Provider, e.ID, e.Kind, e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a delete of an already-gone resource,
// which callers treat as success.
func IsNotFound(err error) bool {
	var de *DeleteError
	return errors.As(err, &de) && de.Kind == NotFound
}

// IsRateLimited reports whether a create failed on vendor throttling, in
// which case the batch loop backs off before the next attempt.
func IsRateLimited(err error) bool {
	var ce *CreateError
	return errors.As(err, &ce) && ce.Kind == RateLimited
}

// ValidationError rejects malformed input before any network call.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// ClassifyCreateStatus maps an HTTP control-plane status to a CreateKind.
// Shared by the REST drivers.
func ClassifyCreateStatus(status int) CreateKind {
	switch {
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status == http.StatusForbidden || status == http.StatusPaymentRequired:
		return QuotaExceeded
	case status >= 500:
		return NetworkFailure
	default:
		return UnknownCreate
	}
}

// ClassifyAuthStatus maps an HTTP status from a credential check to an
// AuthKind.
func ClassifyAuthStatus(status int) AuthKind {
	switch {
	case status == http.StatusUnauthorized:
		return InvalidToken
	case status == http.StatusForbidden:
		return InsufficientPermissions
	case status >= 500:
		return ServiceUnavailable
	default:
		return InvalidToken
	}
}
