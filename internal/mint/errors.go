package mint

import (
	"errors"
	"fmt"
)

// Protocol error codes returned by mints
const (
	CodeQuoteAlreadyIssued = 20002
	CodeQuoteExpired       = 20007
)

// NetworkError is returned when the request never produced an HTTP response
type NetworkError struct {
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error for %s: %v", e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ProtocolError is an HTTP 400 response carrying a numeric code and a detail string
type ProtocolError struct {
	Code   int
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mint error %d: %s", e.Code, e.Detail)
}

// HTTPError is any other non-2xx response
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.Status, e.Message)
}

// MalformedResponseError is a 2xx response whose body could not be decoded
type MalformedResponseError struct {
	Status int
	Err    error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response (status %d): %v", e.Status, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// IsNetwork reports whether err is a network failure
func IsNetwork(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// AsProtocol returns the protocol error wrapped in err, if any
func AsProtocol(err error) (*ProtocolError, bool) {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr, true
	}
	return nil, false
}

// HasCode reports whether err is a protocol error with the given code
func HasCode(err error, code int) bool {
	protoErr, ok := AsProtocol(err)
	return ok && protoErr.Code == code
}
