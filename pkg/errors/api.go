// pkg/errors/api.go
package errors

import "net/http"

// API error codes
const (
	// APIErrBadRequest indicates a bad request
	APIErrBadRequest = "API_BAD_REQUEST"
	// APIErrUnauthorized indicates an unauthorized request
	APIErrUnauthorized = "API_UNAUTHORIZED"
	// APIErrNotFound indicates a resource was not found
	APIErrNotFound = "API_NOT_FOUND"
	// APIErrInternalServer indicates an internal server error
	APIErrInternalServer = "API_INTERNAL_SERVER"
	// APIErrServiceUnavailable indicates a service is unavailable
	APIErrServiceUnavailable = "API_SERVICE_UNAVAILABLE"
	// APIErrRateLimitExceeded indicates a rate limit was exceeded
	APIErrRateLimitExceeded = "API_RATE_LIMIT_EXCEEDED"
	// APIErrValidation indicates a validation error
	APIErrValidation = "API_VALIDATION"
)

// API domain name
const APIDomain = "api"

// NewAPIError creates a new API error
func NewAPIError(code string, message string, err error) error {
	return &Error{
		Domain:   APIDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// APIErrorf creates a new API error with formatted message
func APIErrorf(code string, format string, args ...interface{}) error {
	return &Error{
		Domain:  APIDomain,
		Code:    code,
		Message: Sprintf(format, args...),
	}
}

// HTTPStatus returns the HTTP status code for an API or chain error.
func HTTPStatus(err error) int {
	var domainErr *Error
	if !As(err, &domainErr) {
		return http.StatusInternalServerError
	}

	switch domainErr.Code {
	case APIErrBadRequest, APIErrValidation, ChainErrUnknownSigner:
		return http.StatusBadRequest
	case APIErrUnauthorized:
		return http.StatusUnauthorized
	case APIErrNotFound, ChainErrUnknownExtrinsic:
		return http.StatusNotFound
	case APIErrRateLimitExceeded:
		return http.StatusTooManyRequests
	case ChainErrNonceQueryFailed, ChainErrRPC:
		return http.StatusBadGateway
	case APIErrServiceUnavailable, ChainErrConnectionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
