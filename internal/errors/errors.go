// Package errors provides sentinel errors and custom error types for the appcommit application.
// Use errors.Is() and errors.As() to check for specific error kinds.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the failure kinds the commit engine can surface
var (
	// ErrCredential indicates the app credentials were rejected or unusable
	ErrCredential = errors.New("credential error")

	// ErrObjectGraph indicates the staged changes could not be mapped onto the base tree
	ErrObjectGraph = errors.New("object graph error")

	// ErrSigning indicates the commit payload could not be signed
	ErrSigning = errors.New("signing error")

	// ErrRemoteRequest indicates a transient remote failure that survived the retry budget
	ErrRemoteRequest = errors.New("remote request failed")

	// ErrConcurrentUpdate indicates the branch moved while the commit was being built
	ErrConcurrentUpdate = errors.New("branch updated concurrently")

	// ErrClient indicates a non-retryable rejection from the platform
	ErrClient = errors.New("client error")

	// ErrNoStagedChanges indicates the staging area holds nothing to commit
	ErrNoStagedChanges = errors.New("no staged changes")
)

// CredentialError represents a failure to turn app credentials into an access token
type CredentialError struct {
	Reason string
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("credential error: %s", e.Reason)
}

// Is returns true if the target error is ErrCredential
func (e *CredentialError) Is(target error) bool {
	return target == ErrCredential
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// NewCredentialError creates a new CredentialError
func NewCredentialError(reason string, err error) *CredentialError {
	return &CredentialError{Reason: reason, Err: err}
}

// ObjectGraphError represents a failure to build the blob/tree graph for the staged changes
type ObjectGraphError struct {
	Path   string
	Reason string
}

func (e *ObjectGraphError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("object graph error at %q: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("object graph error: %s", e.Reason)
}

// Is returns true if the target error is ErrObjectGraph
func (e *ObjectGraphError) Is(target error) bool {
	return target == ErrObjectGraph
}

// NewObjectGraphError creates a new ObjectGraphError
func NewObjectGraphError(path, reason string) *ObjectGraphError {
	return &ObjectGraphError{Path: path, Reason: reason}
}

// SigningError represents a failure to produce a commit signature
type SigningError struct {
	Reason string
	Err    error
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signing error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("signing error: %s", e.Reason)
}

// Is returns true if the target error is ErrSigning
func (e *SigningError) Is(target error) bool {
	return target == ErrSigning
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// NewSigningError creates a new SigningError
func NewSigningError(reason string, err error) *SigningError {
	return &SigningError{Reason: reason, Err: err}
}

// RemoteRequestError represents a transient remote failure (network, 5xx, rate limit).
// The engine retries these; an instance surfacing to the caller means the
// retry budget was exhausted. RetryAfter carries the platform's back-off hint
// when one was given, zero otherwise.
type RemoteRequestError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *RemoteRequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote request failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote request failed: %v", e.Err)
}

// Is returns true if the target error is ErrRemoteRequest
func (e *RemoteRequestError) Is(target error) bool {
	return target == ErrRemoteRequest
}

func (e *RemoteRequestError) Unwrap() error {
	return e.Err
}

// NewRemoteRequestError creates a new RemoteRequestError
func NewRemoteRequestError(statusCode int, err error) *RemoteRequestError {
	return &RemoteRequestError{StatusCode: statusCode, Err: err}
}

// WithRetryAfter attaches the platform's back-off hint and returns the error
func (e *RemoteRequestError) WithRetryAfter(d time.Duration) *RemoteRequestError {
	e.RetryAfter = d
	return e
}

// ConcurrentUpdateError represents a ref update that was rejected because the
// branch no longer points at the head the commit was built against.
type ConcurrentUpdateError struct {
	Ref          string
	ExpectedHead string
}

func (e *ConcurrentUpdateError) Error() string {
	return fmt.Sprintf("ref %s no longer points at %s: branch was updated concurrently", e.Ref, e.ExpectedHead)
}

// Is returns true if the target error is ErrConcurrentUpdate
func (e *ConcurrentUpdateError) Is(target error) bool {
	return target == ErrConcurrentUpdate
}

// NewConcurrentUpdateError creates a new ConcurrentUpdateError
func NewConcurrentUpdateError(ref, expectedHead string) *ConcurrentUpdateError {
	return &ConcurrentUpdateError{Ref: ref, ExpectedHead: expectedHead}
}

// ClientError represents a non-retryable 4xx rejection from the platform
type ClientError struct {
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("platform rejected request with status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("platform rejected request with status %d", e.StatusCode)
}

// Is returns true if the target error is ErrClient
func (e *ClientError) Is(target error) bool {
	return target == ErrClient
}

// NewClientError creates a new ClientError
func NewClientError(statusCode int, message string) *ClientError {
	return &ClientError{StatusCode: statusCode, Message: message}
}
