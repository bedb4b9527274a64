// gemini_errors.go - Error categorization for Gemini API calls

package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/googleapi"
)

// GeminiError represents a categorized Gemini API error.
// Calls are never retried here; Retryable only tells the caller whether
// asking the user to try again makes sense.
type GeminiError struct {
	OriginalError error
	Category      string
	StatusCode    int
	Message       string
	Retryable     bool
}

func (e *GeminiError) Error() string {
	return fmt.Sprintf("[%s] %s (status: %d, retryable: %v)", e.Category, e.Message, e.StatusCode, e.Retryable)
}

func (e *GeminiError) Unwrap() error {
	return e.OriginalError
}

// categorizeGeminiError analyzes a failed call
func categorizeGeminiError(err error) *GeminiError {
	if err == nil {
		return nil
	}

	geminiErr := &GeminiError{
		OriginalError: err,
		Category:      "unknown",
		Message:       err.Error(),
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		geminiErr.StatusCode = apiErr.Code

		switch apiErr.Code {
		case 400:
			geminiErr.Category = "bad_request"
			geminiErr.Message = "Invalid request format or parameters"
		case 401:
			geminiErr.Category = "unauthorized"
			geminiErr.Message = "Invalid API key or authentication failed"
		case 403:
			geminiErr.Category = "forbidden"
			geminiErr.Message = "API key lacks required permissions"
		case 404:
			geminiErr.Category = "not_found"
			geminiErr.Message = "Model not found or invalid endpoint"
		case 413:
			geminiErr.Category = "payload_too_large"
			geminiErr.Message = "Request size exceeds limit (reduce image size)"
		case 429:
			geminiErr.Category = "rate_limit"
			geminiErr.Message = "Rate limit exceeded - too many requests"
			geminiErr.Retryable = true
		case 500, 502, 503, 504:
			geminiErr.Category = "server_error"
			geminiErr.Message = fmt.Sprintf("Gemini server error (%d)", apiErr.Code)
			geminiErr.Retryable = true
		default:
			geminiErr.Category = "unknown_api_error"
			geminiErr.Message = fmt.Sprintf("API error: %s", apiErr.Message)
			geminiErr.Retryable = apiErr.Code >= 500
		}
		return geminiErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		geminiErr.Category = "timeout"
		geminiErr.Message = "Request timeout - processing took too long"
		geminiErr.Retryable = true
		return geminiErr
	case errors.Is(err, context.Canceled):
		geminiErr.Category = "canceled"
		geminiErr.Message = "Request was canceled"
		return geminiErr
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "quota"):
		geminiErr.Category = "quota_exceeded"
		geminiErr.Message = "API quota exceeded - daily or monthly limit reached"
	case strings.Contains(errMsg, "blocked") || strings.Contains(errMsg, "safety"):
		geminiErr.Category = "blocked"
		geminiErr.Message = "Content was blocked by the model's safety filters"
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline"):
		geminiErr.Category = "timeout"
		geminiErr.Message = "Request timeout"
		geminiErr.Retryable = true
	case strings.Contains(errMsg, "connection") || strings.Contains(errMsg, "network"):
		geminiErr.Category = "network_error"
		geminiErr.Message = "Network connection error"
		geminiErr.Retryable = true
	}
	return geminiErr
}

// Suggestion returns a short user-facing hint for the error category.
func (e *GeminiError) Suggestion() string {
	switch e.Category {
	case "rate_limit":
		return "Too many requests. Please wait a moment and try again."
	case "quota_exceeded":
		return "The AI service quota is exhausted. Please try again later."
	case "unauthorized", "forbidden":
		return "AI service authentication failed. Please contact support."
	case "payload_too_large":
		return "Image size is too large. Please use a smaller image."
	case "timeout":
		return "Request took too long. Please try again with a clearer image."
	case "server_error", "network_error":
		return "The AI service is temporarily unavailable. Please try again in a few minutes."
	case "blocked":
		return "The image could not be processed. Please try a different image."
	default:
		return "An unexpected error occurred. Please try again."
	}
}
