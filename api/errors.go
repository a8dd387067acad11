package api

import (
	"errors"
	"fmt"
)

// TransportError is a network level failure; retried on the next scheduled run
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthError signals an expired or invalid token (HTTP 401)
type AuthError struct {
	Op      string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("unauthorized during %s: %s", e.Op, e.Message)
}

// ServerError is any non-2xx response other than 401
type ServerError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// DecodingError wraps a malformed response body
type DecodingError struct {
	Op      string
	Payload []byte
	Err     error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("failed to decode %s response: %v", e.Op, e.Err)
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err (or anything it wraps) is an AuthError
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsTransportError reports whether err is a TransportError
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// IsServerError reports whether err is a ServerError or a DecodingError.
// Both abort only the current page or node.
func IsServerError(err error) bool {
	var serverErr *ServerError
	var decodingErr *DecodingError
	return errors.As(err, &serverErr) || errors.As(err, &decodingErr)
}
