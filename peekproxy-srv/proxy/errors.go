package proxy

import (
	"errors"
	"fmt"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// newCodedError creates an Error carrying the registered description of code.
func newCodedError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

var (
	// ErrEmptyRequest is returned when a client closes without sending a byte.
	ErrEmptyRequest = errors.New("client closed before sending a request")
	// ErrRequestTooLarge is returned when the request head exceeds the limit.
	ErrRequestTooLarge = errors.New("request head exceeds limit")
)

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1008"
	ErrCodeInvalidServerConfig  = "E1010"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeDialFailed            = "E2009"
	ErrCodeUpstreamConnectFailed = "E2010"
	ErrCodeRelayFailed           = "E2011"

	// Request Processing Errors (E4000-E4999)
	ErrCodeHTTPRequestReadFailed   = "E4001"
	ErrCodeHTTPResponseWriteFailed = "E4004"
	ErrCodeMalformedRequest        = "E4012"
	ErrCodeRequestTooLarge         = "E4013"
	ErrCodeInvalidConnectTarget    = "E4014"

	// Proxy Chain Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed  = "E6001"
	ErrCodeSOCKS5ConnectFailed = "E6002"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeInvalidServerConfig:  "Invalid server configuration",

	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",
	ErrCodeRelayFailed:           "Tunnel relay failed",

	ErrCodeHTTPRequestReadFailed:   "Failed to read HTTP request",
	ErrCodeHTTPResponseWriteFailed: "Failed to write HTTP response",
	ErrCodeMalformedRequest:        "Malformed request line",
	ErrCodeRequestTooLarge:         "Request head too large",
	ErrCodeInvalidConnectTarget:    "Invalid CONNECT target",

	ErrCodeSOCKS5DialerFailed:  "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed: "SOCKS5 connection failed",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// hasCodeIn reports whether any *Error in the chain of err has a code in
// [lo, hi).
func hasCodeIn(err error, lo, hi string) bool {
	for err != nil {
		if proxyErr, ok := err.(*Error); ok && proxyErr.Code >= lo && proxyErr.Code < hi {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	return hasCodeIn(err, "E2000", "E3000")
}

// IsHTTPError checks if the error is request processing related
func IsHTTPError(err error) bool {
	return hasCodeIn(err, "E4000", "E5000")
}

// IsProxyChainError checks if the error is proxy chain-related
func IsProxyChainError(err error) bool {
	return hasCodeIn(err, "E6000", "E7000")
}
