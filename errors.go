package aidetect

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors. Collaborators may wrap them with fmt.Errorf("%w") so the
// pipeline can classify failures with errors.Is.
var (
	// ErrInvalidImage means the input is unreadable or corrupt. Not retryable.
	ErrInvalidImage = errors.New("aidetect: invalid image")
	// ErrEmbeddingFailed means the embedding generator could not produce a vector.
	ErrEmbeddingFailed = errors.New("aidetect: embedding failed")
	// ErrModelUnavailable means the detection model could not be reached.
	ErrModelUnavailable = errors.New("aidetect: detection model unavailable")
	// ErrTimeout means an external call exceeded the per-image budget.
	ErrTimeout = errors.New("aidetect: analysis timed out")
	// ErrCanceled means the caller cancelled the analysis.
	ErrCanceled = errors.New("aidetect: analysis canceled")
	// ErrBatchTooLarge rejects a batch above the cap. Nothing is processed.
	ErrBatchTooLarge = errors.New("aidetect: batch too large")
	// ErrIndexUnavailable means the similarity corpus failed to load.
	ErrIndexUnavailable = errors.New("aidetect: embedding index unavailable")
	// ErrURLNotAllowed rejects a fetch target: a non-HTTP scheme, or a
	// non-public address when FetchOpts.DenyPrivate is set.
	ErrURLNotAllowed = errors.New("aidetect: url not allowed")
)

// ErrorCode is a stable, machine-readable failure class.
type ErrorCode string

const (
	CodeInvalidImage     ErrorCode = "INVALID_IMAGE"
	CodeEmbeddingFailed  ErrorCode = "EMBEDDING_FAILED"
	CodeModelUnavailable ErrorCode = "MODEL_UNAVAILABLE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeCanceled         ErrorCode = "CANCELED"
	CodeIndexUnavailable ErrorCode = "INDEX_UNAVAILABLE"
	CodeInternal         ErrorCode = "INTERNAL"
)

// AnalysisError describes why a single image could not be analyzed.
// It is distinct from a verdict: "could not analyze" never looks like
// "analyzed as human_generated".
type AnalysisError struct {
	Index     int       `json:"index"`
	Filename  string    `json:"filename"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *AnalysisError) Error() string {
	if e.Filename != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Filename, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *AnalysisError) Unwrap() error {
	return e.Cause
}

// newAnalysisError classifies err into an AnalysisError for the image at index.
func newAnalysisError(index int, filename string, err error) *AnalysisError {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		out := *ae
		out.Index = index
		if out.Filename == "" {
			out.Filename = filename
		}
		return &out
	}
	code := CodeOf(err)
	return &AnalysisError{
		Index:     index,
		Filename:  filename,
		Code:      code,
		Message:   err.Error(),
		Retryable: code == CodeEmbeddingFailed || code == CodeModelUnavailable,
		Cause:     err,
	}
}

// CodeOf maps an error to its ErrorCode. Unknown errors are CodeInternal.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidImage):
		return CodeInvalidImage
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrCanceled):
		return CodeCanceled
	case errors.Is(err, ErrIndexUnavailable):
		return CodeIndexUnavailable
	case errors.Is(err, ErrEmbeddingFailed):
		return CodeEmbeddingFailed
	case errors.Is(err, ErrModelUnavailable):
		return CodeModelUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	default:
		return CodeInternal
	}
}

// retryable reports whether err is an external-dependency failure worth retrying.
func retryable(err error) bool {
	if errors.Is(err, ErrInvalidImage) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrCanceled) {
		return false
	}
	return errors.Is(err, ErrEmbeddingFailed) || errors.Is(err, ErrModelUnavailable)
}
