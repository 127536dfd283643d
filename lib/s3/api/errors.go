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

// Package api holds the S3 wire-level error taxonomy shared by the protocol
// layer and the storage engine.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is an S3 error code as it appears in the <Code> element.
type ErrorCode string

const (
	ErrAccessDenied             ErrorCode = "AccessDenied"
	ErrBadDigest                ErrorCode = "BadDigest"
	ErrBucketAlreadyExists      ErrorCode = "BucketAlreadyExists"
	ErrBucketAlreadyOwnedByYou  ErrorCode = "BucketAlreadyOwnedByYou"
	ErrBucketNotEmpty           ErrorCode = "BucketNotEmpty"
	ErrEntityTooLarge           ErrorCode = "EntityTooLarge"
	ErrEntityTooSmall           ErrorCode = "EntityTooSmall"
	ErrIncompleteBody           ErrorCode = "IncompleteBody"
	ErrInternalError            ErrorCode = "InternalError"
	ErrInvalidArgument          ErrorCode = "InvalidArgument"
	ErrInvalidBucketName        ErrorCode = "InvalidBucketName"
	ErrInvalidDigest            ErrorCode = "InvalidDigest"
	ErrInvalidPart              ErrorCode = "InvalidPart"
	ErrInvalidPartOrder         ErrorCode = "InvalidPartOrder"
	ErrInvalidRange             ErrorCode = "InvalidRange"
	ErrInvalidRequest           ErrorCode = "InvalidRequest"
	ErrInvalidTag               ErrorCode = "InvalidTag"
	ErrKeyTooLong               ErrorCode = "KeyTooLongError"
	ErrMalformedPOSTRequest     ErrorCode = "MalformedPOSTRequest"
	ErrMalformedXML             ErrorCode = "MalformedXML"
	ErrMethodNotAllowed         ErrorCode = "MethodNotAllowed"
	ErrMissingContentLength     ErrorCode = "MissingContentLength"
	ErrNoSuchBucket             ErrorCode = "NoSuchBucket"
	ErrNoSuchCORSConfiguration  ErrorCode = "NoSuchCORSConfiguration"
	ErrNoSuchBucketPolicy       ErrorCode = "NoSuchBucketPolicy"
	ErrNoSuchConfiguration      ErrorCode = "NoSuchConfiguration"
	ErrNoSuchKey                ErrorCode = "NoSuchKey"
	ErrNoSuchTagSet             ErrorCode = "NoSuchTagSet"
	ErrNoSuchUpload             ErrorCode = "NoSuchUpload"
	ErrNoSuchVersion            ErrorCode = "NoSuchVersion"
	ErrNoSuchWebsiteConfiguration ErrorCode = "NoSuchWebsiteConfiguration"
	ErrNotImplemented           ErrorCode = "NotImplemented"
	ErrNotModified              ErrorCode = "NotModified"
	ErrPreconditionFailed       ErrorCode = "PreconditionFailed"
	ErrRequestExpired           ErrorCode = "RequestExpired"
	ErrRequestTimeTooSkewed     ErrorCode = "RequestTimeTooSkewed"
	ErrSignatureDoesNotMatch    ErrorCode = "SignatureDoesNotMatch"
	ErrServerSideEncryptionConfigurationNotFound ErrorCode = "ServerSideEncryptionConfigurationNotFoundError"
	ErrObjectLockConfigurationNotFound ErrorCode = "ObjectLockConfigurationNotFoundError"
)

// Status returns the HTTP status for the code.
func (c ErrorCode) Status() int {
	switch c {
	case ErrNoSuchBucket, ErrNoSuchKey, ErrNoSuchUpload, ErrNoSuchVersion,
		ErrNoSuchCORSConfiguration, ErrNoSuchBucketPolicy, ErrNoSuchTagSet,
		ErrNoSuchConfiguration, ErrNoSuchWebsiteConfiguration,
		ErrServerSideEncryptionConfigurationNotFound,
		ErrObjectLockConfigurationNotFound:
		return http.StatusNotFound
	case ErrBucketAlreadyExists, ErrBucketAlreadyOwnedByYou, ErrBucketNotEmpty:
		return http.StatusConflict
	case ErrAccessDenied, ErrSignatureDoesNotMatch, ErrRequestTimeTooSkewed,
		ErrRequestExpired:
		return http.StatusForbidden
	case ErrPreconditionFailed:
		return http.StatusPreconditionFailed
	case ErrNotModified:
		return http.StatusNotModified
	case ErrMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrInternalError:
		return http.StatusInternalServerError
	case ErrNotImplemented:
		return http.StatusNotImplemented
	case ErrInvalidRange:
		return http.StatusRequestedRangeNotSatisfiable
	case ErrMissingContentLength:
		return http.StatusLengthRequired
	case ErrEntityTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

// Error is an S3 error carrying the wire code, a human message, and
// optionally the resource it concerns.
type Error struct {
	Code     ErrorCode
	Message  string
	Resource string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%v: %v (%v)", e.Code, e.Message, e.Resource)
	}
	return fmt.Sprintf("%v: %v", e.Code, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ResourceError builds an Error referencing a specific resource.
func ResourceError(code ErrorCode, resource, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Resource: resource}
}

// AsError extracts an *Error from err, unwrapping as needed.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether err carries the given S3 error code.
func IsCode(err error, code ErrorCode) bool {
	if e, ok := AsError(err); ok {
		return e.Code == code
	}
	return false
}

// Convenience constructors for the most common errors.

func NoSuchBucket(bucket string) *Error {
	return ResourceError(ErrNoSuchBucket, bucket, "the specified bucket does not exist")
}

func NoSuchKey(key string) *Error {
	return ResourceError(ErrNoSuchKey, key, "the specified key does not exist")
}

func NoSuchUpload(uploadID string) *Error {
	return ResourceError(ErrNoSuchUpload, uploadID, "the specified multipart upload does not exist")
}

func BucketNotEmpty(bucket string) *Error {
	return ResourceError(ErrBucketNotEmpty, bucket, "the bucket you tried to delete is not empty")
}

func InvalidArgument(format string, args ...any) *Error {
	return Errorf(ErrInvalidArgument, format, args...)
}
