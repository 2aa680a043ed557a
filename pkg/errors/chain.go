// pkg/errors/chain.go
package errors

// Chain error codes
const (
	// ChainErrConnectionFailed indicates the connection attempt to the node failed
	ChainErrConnectionFailed = "CONNECTION_FAILED"
	// ChainErrNonceQueryFailed indicates the remote nonce lookup failed
	ChainErrNonceQueryFailed = "NONCE_QUERY_FAILED"
	// ChainErrSignFailed indicates the signer could not sign the extrinsic
	ChainErrSignFailed = "SIGN_FAILED"
	// ChainErrSubmitFailed indicates the node rejected the extrinsic at submit time
	ChainErrSubmitFailed = "SUBMIT_FAILED"
	// ChainErrDuplicateSubmission indicates the same signed payload was submitted twice
	ChainErrDuplicateSubmission = "DUPLICATE_SUBMISSION"
	// ChainErrUnknownExtrinsic indicates the extrinsic was never known or already cleaned up
	ChainErrUnknownExtrinsic = "UNKNOWN_EXTRINSIC"
	// ChainErrUnknownSigner indicates no signer is configured under the requested name
	ChainErrUnknownSigner = "UNKNOWN_SIGNER"
	// ChainErrRPC indicates the node answered a call with an error object
	ChainErrRPC = "RPC_ERROR"
)

// Chain domain name
const ChainDomain = "chain"

// Chain operations
const (
	OpConnect       = "Connect"
	OpAllocateNonce = "AllocateNonce"
	OpSign          = "Sign"
	OpSubmit        = "Submit"
	OpHealth        = "Health"
	OpLookupSigner  = "LookupSigner"
)

// ChainErrorf creates a new chain error with formatted message
func ChainErrorf(code string, format string, args ...interface{}) error {
	return &Error{
		Domain:  ChainDomain,
		Code:    code,
		Message: Sprintf(format, args...),
	}
}

// ChainWrapWithCode wraps an error with chain domain and code
func ChainWrapWithCode(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    ChainDomain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsChainError checks if an error is a chain error with the given code
func IsChainError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == ChainDomain && domainErr.Code == code
	}
	return false
}
