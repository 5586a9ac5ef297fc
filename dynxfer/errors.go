// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynxfer

import (
	"errors"
	"fmt"
	"time"
)

// ErrAborted is returned by Run when a transfer is stopped before completion.
var ErrAborted = errors.New("transfer aborted")

// ConfigError reports an invalid option supplied to the engine.
// Config errors are fatal and are never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func configErrorf(field, format string, a ...interface{}) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, a...)}
}

// UnsupportedTypeError is returned by the coercer when a value has no
// DynamoDB representation.
type UnsupportedTypeError struct {
	Path   string // dotted attribute path, eg. "a.b[2]"
	Value  interface{}
	Reason string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported value at %q (%T): %s", e.Path, e.Value, e.Reason)
}

// ItemValidationError marks a single item the destination table will never
// accept, such as one exceeding the size limit or missing a key attribute.
// Items failing validation are recorded and skipped.
type ItemValidationError struct {
	Reason string
	Err    error
}

func (e *ItemValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid item: %s: %v", e.Reason, e.Err)
	}
	return "invalid item: " + e.Reason
}

func (e *ItemValidationError) Unwrap() error { return e.Err }

// ThrottlingError is recorded against items that were still being throttled
// when the writer exhausted its attempt or time budget.
type ThrottlingError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *ThrottlingError) Error() string {
	return fmt.Sprintf("write still throttled after %d attempts (%s): %v",
		e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *ThrottlingError) Unwrap() error { return e.Err }

// ConnectivityError is returned once network or service availability errors
// have persisted past the retry budget.
type ConnectivityError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// TableCreationTimeoutError is returned when a created (or deleted) table
// does not reach the expected state in time.
type TableCreationTimeoutError struct {
	TableName string
	Waiting   string // "active" or "deleted"
	Timeout   time.Duration
	Err       error
}

func (e *TableCreationTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for table %q to become %s: %v",
		e.Timeout, e.TableName, e.Waiting, e.Err)
}

func (e *TableCreationTimeoutError) Unwrap() error { return e.Err }

// DestinationExistsError is returned by the schema phase when the
// destination table exists and overwrite was not requested.
type DestinationExistsError struct {
	TableName string
}

func (e *DestinationExistsError) Error() string {
	return fmt.Sprintf("destination table %q already exists (use --overwrite-dest to replace it)", e.TableName)
}

// RecordError is returned by a record decoder for one input record that
// could not be converted into an item.  The loader records it as a failed
// item and carries on with the next record.
type RecordError struct {
	Source string // file or object name and record number, eg. "data.json:12"
	Record []byte
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s: %v", e.Source, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }
