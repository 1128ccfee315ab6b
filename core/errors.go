package core

import (
	"errors"
	"fmt"
	"time"
)

// ElectionTimeoutError indicates no leader was acquired within the bound.
// The caller may retry the operation.
type ElectionTimeoutError struct {
	Waited time.Duration
}

func (e *ElectionTimeoutError) Error() string {
	return fmt.Sprintf("no leader elected within %s", e.Waited)
}

// RoutingTimeoutError indicates a follower-to-leader call exceeded its
// timeout. It is retried internally a bounded number of times before being
// surfaced.
type RoutingTimeoutError struct {
	CorrelationID string
	Timeout       time.Duration
}

func (e *RoutingTimeoutError) Error() string {
	return fmt.Sprintf("request %s to leader timed out after %s", e.CorrelationID, e.Timeout)
}

// QueryError is a SQL or semantic failure from the execution engine. It is
// surfaced synchronously and never retried.
type QueryError struct {
	SQL string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %v", e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// SubscriptionFatalError is an unrecoverable recomputation failure. It
// terminates only the subscription it belongs to.
type SubscriptionFatalError struct {
	SubscriptionID string
	Err            error
}

func (e *SubscriptionFatalError) Error() string {
	return fmt.Sprintf("subscription %s terminated: %v", e.SubscriptionID, e.Err)
}

func (e *SubscriptionFatalError) Unwrap() error { return e.Err }

// ShapeNetworkError is a transient failure fetching a shape batch. The sync
// loop retries it with capped exponential backoff, scoped to one shape.
type ShapeNetworkError struct {
	ShapeKey string
	Err      error
}

func (e *ShapeNetworkError) Error() string {
	return fmt.Sprintf("shape %q: network error: %v", e.ShapeKey, e.Err)
}

func (e *ShapeNetworkError) Unwrap() error { return e.Err }

// ShapeSchemaError is a malformed or incompatible batch. It is fatal for the
// affected shape and does not touch other shapes.
type ShapeSchemaError struct {
	ShapeKey string
	Err      error
}

func (e *ShapeSchemaError) Error() string {
	return fmt.Sprintf("shape %q: incompatible batch: %v", e.ShapeKey, e.Err)
}

func (e *ShapeSchemaError) Unwrap() error { return e.Err }

// IsElectionTimeout checks if an error is an ElectionTimeoutError.
func IsElectionTimeout(err error) bool {
	var target *ElectionTimeoutError
	return errors.As(err, &target)
}

// IsRoutingTimeout checks if an error is a RoutingTimeoutError.
func IsRoutingTimeout(err error) bool {
	var target *RoutingTimeoutError
	return errors.As(err, &target)
}

// IsQueryError checks if an error is a QueryError.
func IsQueryError(err error) bool {
	var target *QueryError
	return errors.As(err, &target)
}

// IsSubscriptionFatal checks if an error is a SubscriptionFatalError.
func IsSubscriptionFatal(err error) bool {
	var target *SubscriptionFatalError
	return errors.As(err, &target)
}

// IsShapeNetworkError checks if an error is a ShapeNetworkError.
func IsShapeNetworkError(err error) bool {
	var target *ShapeNetworkError
	return errors.As(err, &target)
}

// IsShapeSchemaError checks if an error is a ShapeSchemaError.
func IsShapeSchemaError(err error) bool {
	var target *ShapeSchemaError
	return errors.As(err, &target)
}

// Transient reports whether an error class is retried internally before
// being surfaced. All other classes surface immediately.
func Transient(err error) bool {
	return IsRoutingTimeout(err) || IsShapeNetworkError(err)
}
