// Package apperrors holds the error kinds callers are expected to branch on.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoDatabase    = errors.New("database name must be provided")
	ErrUnknownTable  = errors.New("unknown table")
	ErrInTransaction = errors.New("transaction already in progress")
	ErrNoTransaction = errors.New("no transaction in progress")
)

// SchemaLoadError reports malformed or unclassifiable catalog data
type SchemaLoadError struct {
	Table  string
	Reason string
}

func (e *SchemaLoadError) Error() string {
	if e.Table == "" {
		return "schema load: " + e.Reason
	}
	return fmt.Sprintf("schema load: table %s: %s", e.Table, e.Reason)
}

// DuplicateKeyError reports a uniqueness violation in the store
type DuplicateKeyError struct {
	Message string
	Err     error
}

func (e *DuplicateKeyError) Error() string {
	return "duplicate key: " + e.Message
}

func (e *DuplicateKeyError) Unwrap() error {
	return e.Err
}

// TransactionLostError reports a connection dropped while a transaction was open
type TransactionLostError struct {
	Err error
}

func (e *TransactionLostError) Error() string {
	if e.Err == nil {
		return "connection lost during transaction"
	}
	return "connection lost during transaction: " + e.Err.Error()
}

func (e *TransactionLostError) Unwrap() error {
	return e.Err
}

// UnknownFieldError reports a tuple attribute the table does not declare
type UnknownFieldError struct {
	Table string
	Field string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("field %q is not in table %s", e.Field, e.Table)
}

// TypeMismatchError reports a value whose type does not fit the column
type TypeMismatchError struct {
	Table    string
	Column   string
	Expected string
	Value    interface{}
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("column %s.%s expects %s, got %T", e.Table, e.Column, e.Expected, e.Value)
}

// DecimalRangeError reports a fixed-point value beyond the column magnitude
type DecimalRangeError struct {
	Column string
	Value  string
	Type   string
}

func (e *DecimalRangeError) Error() string {
	return fmt.Sprintf("value %s out of range for column %s %s", e.Value, e.Column, e.Type)
}

// DecimalPrecisionError reports a fixed-point value that would lose precision
type DecimalPrecisionError struct {
	Column string
	Value  string
	Type   string
}

func (e *DecimalPrecisionError) Error() string {
	return fmt.Sprintf("value %s loses precision in column %s %s", e.Value, e.Column, e.Type)
}

// PopulationConfigError reports a table that cannot be auto-populated
type PopulationConfigError struct {
	Table  string
	Reason string
}

func (e *PopulationConfigError) Error() string {
	return fmt.Sprintf("cannot populate %s: %s", e.Table, e.Reason)
}

// CycleError builds the schema error raised for cyclic dependencies
func CycleError(tables []string) *SchemaLoadError {
	return &SchemaLoadError{Reason: "cyclic foreign keys between " + strings.Join(tables, ", ")}
}
