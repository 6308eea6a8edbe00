package model

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
)

// Pipeline error taxonomy. Callers match with errors.Is.
var (
	ErrUnsupportedDocumentType = eris.New("unsupported document type")
	ErrInvalidDocument         = eris.New("invalid document")
	ErrStorageUploadFailed     = eris.New("storage upload failed")
	ErrRemoteJobFailed         = eris.New("remote analysis job failed")
	ErrPollTimeout             = eris.New("timed out waiting for remote job")
	ErrSearchRequestFailed     = eris.New("search request failed")
	ErrLLMFailed               = eris.New("llm request failed")
	ErrSchemaViolation         = eris.New("llm output violates schema")
)

// Error kinds recorded on failed runs.
const (
	KindUnsupportedDocument = "unsupported_document_type"
	KindInvalidDocument     = "invalid_document"
	KindStorageUpload       = "storage_upload_failed"
	KindRemoteJob           = "remote_job_failed"
	KindPollTimeout         = "poll_timeout"
	KindSearch              = "search_request_failed"
	KindLLM                 = "llm_failed"
	KindSchema              = "schema_violation"
	KindRateLimit           = "rate_limit_retries_exhausted"
	KindCanceled            = "canceled"
	KindInternal            = "internal"
)

var kindTable = []struct {
	err  error
	kind string
}{
	{ErrUnsupportedDocumentType, KindUnsupportedDocument},
	{ErrInvalidDocument, KindInvalidDocument},
	{ErrStorageUploadFailed, KindStorageUpload},
	{ErrRemoteJobFailed, KindRemoteJob},
	{ErrPollTimeout, KindPollTimeout},
	{ErrSearchRequestFailed, KindSearch},
	{ErrSchemaViolation, KindSchema},
	{ErrLLMFailed, KindLLM},
}

// retriesExhausted is implemented by the resilience package's exhaustion
// error so this package does not import it.
type retriesExhausted interface {
	RetriesExhausted() bool
}

// ErrorKind maps err to a stable kind string for run records and API
// responses.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindTable {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	var re retriesExhausted
	if errors.As(err, &re) && re.RetriesExhausted() {
		return KindRateLimit
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindInternal
}

// WrapLLMError tags a failed model call with ErrLLMFailed. Exhausted
// rate-limit retries and context cancellation keep their own kind.
func WrapLLMError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var re retriesExhausted
	if (errors.As(err, &re) && re.RetriesExhausted()) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return eris.Wrap(err, msg)
	}
	return eris.Wrapf(ErrLLMFailed, "%s: %v", msg, err)
}
