package render

import "fmt"

// Render error codes.
const (
	ErrCodeInvalidDocument = "INVALID_DOCUMENT"
	ErrCodeTemplateFailed  = "TEMPLATE_FAILED"
	ErrCodeRenderTimeout   = "RENDER_TIMEOUT"
	ErrCodeRenderFailed    = "RENDER_FAILED"
)

// RenderError reports why an invoice document could not be produced.
type RenderError struct {
	Code    string
	Message string
	Cause   error
}

// NewRenderError creates a RenderError.
func NewRenderError(code, message string, cause error) *RenderError {
	return &RenderError{Code: code, Message: message, Cause: cause}
}

func (e *RenderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *RenderError) Unwrap() error { return e.Cause }
