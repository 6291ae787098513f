package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

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

// ErrConfiguration reports a tier or limit that cannot be resolved.
// It is never converted into a default limit.
type ErrConfiguration struct {
	Tier     string
	Resource string
	Reason   string
}

func (e *ErrConfiguration) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("configuration error for tier %q resource %q: %s", e.Tier, e.Resource, e.Reason)
	}
	return fmt.Sprintf("configuration error for tier %q: %s", e.Tier, e.Reason)
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
	Dialect string
	Err     error
}

func (e *ErrDatabaseMigration) Error() string {
	return fmt.Sprintf("database migration (%s) failed: %v", e.Dialect, e.Err)
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

// Tenant errors

type ErrTenantNotFound struct {
	TenantID string
}

func (e *ErrTenantNotFound) Error() string {
	return fmt.Sprintf("tenant %s not found", e.TenantID)
}

// ErrStorageUnavailable wraps any failure of the tenant store on the admission path.
// Ambiguous is set when a mutation may or may not have been applied: the caller
// gave up while it was in flight, or the connection failed after it was sent.
type ErrStorageUnavailable struct {
	Operation string
	Ambiguous bool
	Err       error
}

func (e *ErrStorageUnavailable) Error() string {
	if e.Ambiguous {
		return fmt.Sprintf("storage unavailable during %s (outcome unknown): %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("storage unavailable during %s: %v", e.Operation, e.Err)
}

func (e *ErrStorageUnavailable) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the operation.
// Ambiguous increments must not be retried blindly.
func (e *ErrStorageUnavailable) Retryable() bool {
	return !e.Ambiguous
}

// Validation errors

type ErrInvalidArgument struct {
	Field string
	Err   error
}

func (e *ErrInvalidArgument) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ErrInvalidArgument) Unwrap() error {
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

// Helpers

// IsTenantNotFound reports whether err wraps ErrTenantNotFound.
func IsTenantNotFound(err error) bool {
	var target *ErrTenantNotFound
	return stderrors.As(err, &target)
}

// IsConfiguration reports whether err wraps ErrConfiguration.
func IsConfiguration(err error) bool {
	var target *ErrConfiguration
	return stderrors.As(err, &target)
}

// IsStorageUnavailable reports whether err wraps ErrStorageUnavailable.
func IsStorageUnavailable(err error) bool {
	var target *ErrStorageUnavailable
	return stderrors.As(err, &target)
}

// IsAmbiguous reports whether err is a storage failure whose outcome is unknown.
func IsAmbiguous(err error) bool {
	var target *ErrStorageUnavailable
	if stderrors.As(err, &target) {
		return target.Ambiguous
	}
	return false
}

// IsInFlightFailure reports whether err is a transport failure that can occur
// after a request reached the server: a timeout, an unexpected EOF, or a reset or
// closed connection. A refused connection is not one of them.
func IsInFlightFailure(err error) bool {
	if err == nil {
		return false
	}
	if IsContextDone(err) ||
		stderrors.Is(err, os.ErrDeadlineExceeded) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, io.EOF) ||
		stderrors.Is(err, net.ErrClosed) ||
		stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, syscall.ECONNABORTED) ||
		stderrors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// IsContextDone reports whether err was caused by a cancelled or expired context.
func IsContextDone(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}
