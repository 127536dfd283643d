// Localcloud
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package api holds the DynamoDB wire-level error taxonomy shared by the
// protocol front end and the table engine.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// TypePrefix is the namespace DynamoDB errors carry in the __type field.
const TypePrefix = "com.amazonaws.dynamodb.v20120810#"

// ErrorCode is a DynamoDB error code, the part of __type after the #.
type ErrorCode string

const (
	ErrConditionalCheckFailed ErrorCode = "ConditionalCheckFailedException"
	ErrInternalServerError    ErrorCode = "InternalServerError"
	ErrMissingAction          ErrorCode = "MissingAction"
	ErrResourceInUse          ErrorCode = "ResourceInUseException"
	ErrResourceNotFound       ErrorCode = "ResourceNotFoundException"
	ErrSerialization          ErrorCode = "SerializationException"
	ErrUnrecognizedClient     ErrorCode = "UnrecognizedClientException"
	ErrValidation             ErrorCode = "ValidationException"
)

// Status returns the HTTP status for the code.
func (c ErrorCode) Status() int {
	switch c {
	case ErrInternalServerError:
		return http.StatusInternalServerError
	case ErrUnrecognizedClient:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// Type returns the full __type value for the code.
func (c ErrorCode) Type() string { return TypePrefix + string(c) }

// Error is a DynamoDB error carrying the wire code and a human message.
type Error struct {
	Code    ErrorCode
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%v: %v", e.Code, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts an *Error from err, unwrapping as needed.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether err carries the given DynamoDB error code.
func IsCode(err error, code ErrorCode) bool {
	if e, ok := AsError(err); ok {
		return e.Code == code
	}
	return false
}

// Convenience constructors for the most common errors.

func Validation(format string, args ...any) *Error {
	return Errorf(ErrValidation, format, args...)
}

func ResourceNotFound(table string) *Error {
	return Errorf(ErrResourceNotFound, "requested resource not found: table %s", table)
}

func ResourceInUse(table string) *Error {
	return Errorf(ErrResourceInUse, "table already exists: %s", table)
}

func ConditionalCheckFailed() *Error {
	return Errorf(ErrConditionalCheckFailed, "the conditional request failed")
}
