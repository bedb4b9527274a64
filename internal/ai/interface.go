// interface.go - Extraction backend interfaces shared by OCR and generative providers

package ai

import (
	"context"
	"errors"

	"github.com/bosocmputer/image_wizard/internal/common"
)

// ErrEmptyResult is returned when a backend answers successfully but produced no text.
var ErrEmptyResult = errors.New("backend returned no text")

// Input is the payload handed to an extraction backend.
type Input struct {
	Data     []byte
	MIMEType string // "image/jpeg", "image/png", "application/pdf", ...

	// Instruction is the prompt for generative backends; OCR backends ignore it.
	Instruction string
	// LanguageHint is advisory for OCR backends; generative backends ignore it.
	LanguageHint string
}

// Output is the raw text a backend produced plus any token usage it reported.
type Output struct {
	Text  string
	Usage *common.TokenUsage
	Pages int
}

// Extractor produces raw text from image or document bytes.
// This allows us to plug OCR.Space, Mistral and Gemini behind the same call.
type Extractor interface {
	// Extract runs the backend. A successful call always carries non-empty text;
	// an empty answer is reported as ErrEmptyResult.
	Extract(ctx context.Context, in Input, reqCtx *common.RequestContext) (*Output, error)

	// GetProviderName returns the name of the provider (e.g., "gemini", "ocrspace")
	GetProviderName() string

	// Accepts reports whether the backend can take the given MIME type.
	Accepts(mimeType string) bool
}

// Generator is the text-only generative capability used for translation.
type Generator interface {
	Generate(ctx context.Context, prompt string, reqCtx *common.RequestContext) (*Output, error)
}

// OCRProviderConfig contains configuration for deterministic OCR providers
type OCRProviderConfig struct {
	// Provider name: "ocrspace" or "mistral"
	Provider string

	OCRSpaceAPIKey   string
	OCRSpaceEndpoint string

	MistralAPIKey string
	MistralModel  string

	// Preprocess enables imaging enhancement of image payloads before OCR.
	Preprocess     bool
	// PreprocessMode is "fast", "balanced" or "high"; empty means balanced.
	PreprocessMode string
	MaxDimension   int
}
