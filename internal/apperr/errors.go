// Package apperr holds the error taxonomy shared by the engine and its
// transports. Callers match with errors.As or the Is* helpers.
package apperr

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError means the caller acted on stale state and should re-read.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s: %s", e.Resource, e.Reason)
}

func Conflict(resource, reason string) error {
	return &ConflictError{Resource: resource, Reason: reason}
}

type CapacityExceededError struct {
	TenantID string
	Capacity int
	Active   int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded: tenant %s has %d of %d seats in use", e.TenantID, e.Active, e.Capacity)
}

type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

func NotFound(resource, key string) error {
	return &NotFoundError{Resource: resource, Key: key}
}

type GatewayKind string

const (
	Transient GatewayKind = "transient"
	Permanent GatewayKind = "permanent"
)

type GatewayError struct {
	Kind       GatewayKind
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s error: %v", e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func TransientGateway(status int, err error) error {
	return &GatewayError{Kind: Transient, StatusCode: status, Err: err}
}

func PermanentGateway(status int, err error) error {
	return &GatewayError{Kind: Permanent, StatusCode: status, Err: err}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

func IsCapacityExceeded(err error) bool {
	var c *CapacityExceededError
	return errors.As(err, &c)
}

func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// IsTransient reports whether err is a gateway error worth retrying.
// Errors that are not gateway errors are treated as transient.
func IsTransient(err error) bool {
	var g *GatewayError
	if errors.As(err, &g) {
		return g.Kind == Transient
	}
	return err != nil
}
