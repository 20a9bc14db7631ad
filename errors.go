package mailsync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rbaliyan/mailsync/admission"
	"github.com/rbaliyan/mailsync/store"
)

// Sentinel errors for the mailsync package.
// Use errors.Is() to check for these errors.
//
// These errors wrap corresponding store-level errors where applicable,
// so errors.Is(err, mailsync.ErrNotFound) will match both service-level
// and store-level "not found" errors.
var (
	// ErrNotFound is returned when a document or blob cannot be found.
	// Wraps store.ErrNotFound for consistent error checking.
	ErrNotFound = fmt.Errorf("mailsync: %w", store.ErrNotFound)

	// ErrStoreRequired is returned when no store is configured.
	ErrStoreRequired = errors.New("mailsync: store is required")

	// ErrBlobStoreRequired is returned when no blob store is configured and
	// the store does not implement store.BlobStore.
	ErrBlobStoreRequired = errors.New("mailsync: blob store is required")

	// ErrNotConnected is returned when operations are attempted before Connect().
	// Wraps store.ErrNotConnected for consistent error checking.
	ErrNotConnected = fmt.Errorf("mailsync: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	// Wraps store.ErrAlreadyConnected for consistent error checking.
	ErrAlreadyConnected = fmt.Errorf("mailsync: %w", store.ErrAlreadyConnected)

	// ErrInvalidID is returned when an invalid ID is provided.
	// Wraps store.ErrInvalidID for consistent error checking.
	ErrInvalidID = fmt.Errorf("mailsync: %w", store.ErrInvalidID)

	// ErrTokenRequired is returned when an operation is called without an access token.
	ErrTokenRequired = errors.New("mailsync: access token is required")

	// ErrPurgeNotSupported is returned by PurgeTmpBlobs when the blob store
	// cannot reclaim expired uploads.
	ErrPurgeNotSupported = errors.New("mailsync: blob store does not support purging")
)

// MethodErrorType is the type of a method-level error.
type MethodErrorType string

const (
	MethodInvalidArguments  MethodErrorType = "invalidArguments"
	MethodStateMismatch     MethodErrorType = "stateMismatch"
	MethodServerPartialFail MethodErrorType = "serverPartialFail"
	MethodServerFail        MethodErrorType = "serverFail"
	MethodForbidden         MethodErrorType = "forbidden"
	MethodAccountNotFound   MethodErrorType = "accountNotFound"
	MethodCannotCalculate   MethodErrorType = "cannotCalculateChanges"
	MethodUnknownMethod     MethodErrorType = "unknownMethod"
)

// MethodError aborts a whole method call.
type MethodError struct {
	Type        MethodErrorType `json:"type"`
	Description string          `json:"description,omitempty"`
	// Err is the internal cause. It is logged, never serialized.
	Err error `json:"-"`
}

func (e *MethodError) Error() string {
	if e.Description != "" {
		return "mailsync: " + string(e.Type) + ": " + e.Description
	}
	return "mailsync: " + string(e.Type)
}

func (e *MethodError) Unwrap() error {
	return e.Err
}

func invalidArguments(format string, args ...any) *MethodError {
	return &MethodError{Type: MethodInvalidArguments, Description: fmt.Sprintf(format, args...)}
}

// serverPartialFail hides err from the caller.
func serverPartialFail(err error) *MethodError {
	return &MethodError{Type: MethodServerPartialFail, Err: err}
}

func serverFail(err error) *MethodError {
	return &MethodError{Type: MethodServerFail, Err: err}
}

// SetErrorType is the type of a per-item error.
type SetErrorType string

const (
	SetNotFound          SetErrorType = "notFound"
	SetForbidden         SetErrorType = "forbidden"
	SetInvalidProperties SetErrorType = "invalidProperties"
	SetOverQuota         SetErrorType = "overQuota"
)

// SetError is attached to a single item of a batched mutation.
// Sibling items are unaffected.
type SetError struct {
	Type        SetErrorType `json:"type"`
	Description string       `json:"description,omitempty"`
	Properties  []string     `json:"properties,omitempty"`
}

func (e *SetError) Error() string {
	var sb strings.Builder
	sb.WriteString("mailsync: ")
	sb.WriteString(string(e.Type))
	if len(e.Properties) > 0 {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(e.Properties, ", "))
		sb.WriteString(")")
	}
	if e.Description != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Description)
	}
	return sb.String()
}

func notFoundError(format string, args ...any) *SetError {
	return &SetError{Type: SetNotFound, Description: fmt.Sprintf(format, args...)}
}

func forbiddenError(format string, args ...any) *SetError {
	return &SetError{Type: SetForbidden, Description: fmt.Sprintf(format, args...)}
}

func invalidProperty(prop, description string) *SetError {
	return &SetError{Type: SetInvalidProperties, Properties: []string{prop}, Description: description}
}

// RequestErrorType is the problem type URN of a request-level error.
type RequestErrorType string

const (
	RequestNotJSON           RequestErrorType = "urn:ietf:params:jmap:error:notJSON"
	RequestNotRequest        RequestErrorType = "urn:ietf:params:jmap:error:notRequest"
	RequestLimit             RequestErrorType = "urn:ietf:params:jmap:error:limit"
	RequestUnknownCapability RequestErrorType = "urn:ietf:params:jmap:error:unknownCapability"
	RequestOverBlobQuota     RequestErrorType = "urn:ietf:params:jmap:error:overBlobQuota"
	RequestServerFail        RequestErrorType = "urn:ietf:params:jmap:error:serverFail"
)

// Limit names carried by RequestLimit errors.
const (
	LimitSizeRequest       = "maxSizeRequest"
	LimitCallsInRequest    = "maxCallsInRequest"
	LimitConcurrentUpload  = "maxConcurrentUpload"
	LimitConcurrentRequest = "maxConcurrentRequests"
)

// RequestError rejects a whole request before or instead of method execution.
type RequestError struct {
	Type   RequestErrorType `json:"type"`
	Limit  string           `json:"limit,omitempty"`
	Status int              `json:"status"`
	Title  string           `json:"title,omitempty"`
	Detail string           `json:"detail"`
	// Err is the internal cause. It is logged, never serialized.
	Err error `json:"-"`
}

func (e *RequestError) Error() string {
	if e.Limit != "" {
		return fmt.Sprintf("mailsync: request error %s (%s): %s", e.Type, e.Limit, e.Detail)
	}
	return fmt.Sprintf("mailsync: request error %s: %s", e.Type, e.Detail)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// LimitError reports that a request exceeded a configured limit.
func LimitError(limit string) *RequestError {
	detail := "The request exceeds a server limit."
	switch limit {
	case LimitSizeRequest:
		detail = "The request is larger than the server is willing to process."
	case LimitCallsInRequest:
		detail = "The request exceeds the maximum number of calls in a single request."
	case LimitConcurrentUpload:
		detail = "There are too many concurrent uploads in progress."
	case LimitConcurrentRequest:
		detail = "There are too many concurrent requests in progress."
	}
	return &RequestError{Type: RequestLimit, Limit: limit, Status: 400, Detail: detail}
}

// NotRequestError reports a message that is valid JSON but not a request.
func NotRequestError(detail string) *RequestError {
	return &RequestError{Type: RequestNotRequest, Status: 400, Detail: detail}
}

// NotJSONError reports input that could not be decoded.
func NotJSONError(detail string) *RequestError {
	return &RequestError{Type: RequestNotJSON, Status: 400, Detail: detail}
}

// OverBlobQuotaError names both upload ceilings.
func OverBlobQuotaError(maxFiles int, maxBytes int64) *RequestError {
	return &RequestError{
		Type:   RequestOverBlobQuota,
		Status: 403,
		Title:  "Quota exceeded",
		Detail: fmt.Sprintf("You have exceeded the blob upload quota of %d files or %d bytes.", maxFiles, maxBytes),
	}
}

// InternalServerError hides err from the caller.
func InternalServerError(err error) *RequestError {
	return &RequestError{
		Type:   RequestServerFail,
		Status: 500,
		Title:  "Internal Server Error",
		Detail: "There was a problem while processing your request. Please contact the system administrator.",
		Err:    err,
	}
}

// IsRetryableError determines if an error is worth retrying by the caller.
// Only transient store failures qualify; the service itself never retries.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var (
		me *MethodError
		se *SetError
		re *RequestError
	)
	switch {
	case errors.As(err, &se):
		return false
	case errors.As(err, &re):
		return re.Status >= 500 || re.Limit == LimitConcurrentUpload || re.Limit == LimitConcurrentRequest
	case errors.As(err, &me) && me.Err == nil:
		return false
	}

	permanentErrors := []error{
		store.ErrNotFound,
		store.ErrInvalidID,
		store.ErrInvalidState,
		store.ErrInvalidBatch,
		store.ErrCannotCalculateChanges,
		store.ErrAlreadyConnected,
		admission.ErrOverQuota,
		ErrStoreRequired,
		ErrBlobStoreRequired,
		ErrTokenRequired,
		ErrPurgeNotSupported,
	}
	for _, permErr := range permanentErrors {
		if errors.Is(err, permErr) {
			return false
		}
	}

	retryableErrors := []error{
		store.ErrNotConnected,
		store.ErrTransactionFailed,
		admission.ErrTooManyConcurrentUploads,
	}
	for _, retryErr := range retryableErrors {
		if errors.Is(err, retryErr) {
			return true
		}
	}

	// Unknown errors are treated as transient network or timeout issues.
	return true
}
