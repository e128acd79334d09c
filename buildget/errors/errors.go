package errors

import "fmt"

// Error types for build-get operations
var (
	// ErrMalformedManifest is returned when manifest bytes are structurally invalid
	ErrMalformedManifest = &BuildgetError{Code: "MALFORMED_MANIFEST", Message: "malformed manifest"}

	// ErrSizeMismatch is returned when the parts of a manifest do not add up to its file size
	ErrSizeMismatch = &BuildgetError{Code: "SIZE_MISMATCH", Message: "part sizes do not match file size"}

	// ErrDecodedSizeMismatch is returned when a decoded chunk differs from its declared size
	ErrDecodedSizeMismatch = &BuildgetError{Code: "DECODED_SIZE_MISMATCH", Message: "decoded chunk size mismatch"}

	// ErrHashMismatch is returned when a digest does not match the expected value
	ErrHashMismatch = &BuildgetError{Code: "HASH_MISMATCH", Message: "hash mismatch"}

	// ErrFetchFailed is returned when a chunk could not be fetched
	ErrFetchFailed = &BuildgetError{Code: "FETCH_FAILED", Message: "failed to fetch chunk"}

	// ErrUnsupportedEncoding is returned when a chunk header is not understood by the decoder
	ErrUnsupportedEncoding = &BuildgetError{Code: "UNSUPPORTED_ENCODING", Message: "unsupported chunk encoding"}

	// ErrIncompleteChunk is returned when a chunk is shorter than a part or its header requires
	ErrIncompleteChunk = &BuildgetError{Code: "INCOMPLETE_CHUNK", Message: "chunk is too short"}

	// ErrInvalidPartLayout is returned when manifest parts leave gaps or overlap
	ErrInvalidPartLayout = &BuildgetError{Code: "INVALID_PART_LAYOUT", Message: "parts do not tile the file"}

	// ErrDownloadFailed is returned when file download fails after all retries
	ErrDownloadFailed = &BuildgetError{Code: "DOWNLOAD_FAILED", Message: "download failed after retries"}

	// ErrInvalidConfig is returned when configuration values are rejected
	ErrInvalidConfig = &BuildgetError{Code: "INVALID_CONFIG", Message: "invalid configuration"}
)

// BuildgetError represents a structured error in build-get operations
type BuildgetError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable error message
	Cause   error                  // Underlying error, if any
	Details map[string]interface{} // Additional context
}

// Error implements the error interface
func (e *BuildgetError) Error() string {
	if e.Cause != nil {
		if len(e.Details) > 0 {
			return fmt.Sprintf("[%s] %s (details: %v): %v", e.Code, e.Message, e.Details, e.Cause)
		}
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	if len(e.Details) > 0 {
		return fmt.Sprintf("[%s] %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *BuildgetError) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code, so errors.Is works against the sentinels.
func (e *BuildgetError) Is(target error) bool {
	t, ok := target.(*BuildgetError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause adds a cause to the error
func (e *BuildgetError) WithCause(cause error) *BuildgetError {
	return &BuildgetError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   cause,
		Details: e.Details,
	}
}

// WithDetail adds a detail key-value pair to the error
func (e *BuildgetError) WithDetail(key string, value interface{}) *BuildgetError {
	details := make(map[string]interface{})
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &BuildgetError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Details: details,
	}
}

// WithMessage overrides the error message
func (e *BuildgetError) WithMessage(message string) *BuildgetError {
	return &BuildgetError{
		Code:    e.Code,
		Message: message,
		Cause:   e.Cause,
		Details: e.Details,
	}
}

// IsBuildgetError checks if an error is a BuildgetError
func IsBuildgetError(err error) bool {
	_, ok := asBuildgetError(err)
	return ok
}

// GetErrorCode extracts the error code from a BuildgetError anywhere in the chain
func GetErrorCode(err error) string {
	if bgErr, ok := asBuildgetError(err); ok {
		return bgErr.Code
	}
	return ""
}

// IsRetryable reports whether a fresh attempt can succeed. Fetch and
// download failures are transient; integrity failures are safe to retry
// from fresh fetches. Structural problems are not.
func IsRetryable(err error) bool {
	switch GetErrorCode(err) {
	case ErrFetchFailed.Code, ErrDownloadFailed.Code,
		ErrSizeMismatch.Code, ErrDecodedSizeMismatch.Code, ErrHashMismatch.Code:
		return true
	default:
		return false
	}
}

func asBuildgetError(err error) (*BuildgetError, bool) {
	for err != nil {
		if bgErr, ok := err.(*BuildgetError); ok {
			return bgErr, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
