// factory.go - OCR Provider Factory for creating provider instances

package ai

import (
	"fmt"

	"github.com/bosocmputer/image_wizard/internal/processor"
	"github.com/rs/zerolog/log"
)

// NewOCRProvider creates the deterministic OCR provider named in cfg.
func NewOCRProvider(cfg OCRProviderConfig) (Extractor, error) {
	preprocess, err := preprocessor(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case "", "ocrspace":
		log.Info().Str("endpoint", cfg.OCRSpaceEndpoint).Msg("🔵 Creating OCR.Space provider")
		return NewOCRSpaceProvider(cfg.OCRSpaceAPIKey, cfg.OCRSpaceEndpoint, preprocess), nil

	case "mistral":
		if cfg.MistralAPIKey == "" {
			return nil, fmt.Errorf("mistral OCR provider requires MISTRAL_API_KEY")
		}
		log.Info().Str("model", cfg.MistralModel).Msg("🔷 Creating Mistral OCR provider")
		return NewMistralProvider(cfg.MistralAPIKey, cfg.MistralModel, "", preprocess), nil

	default:
		return nil, fmt.Errorf("unsupported OCR provider: %s (supported: ocrspace, mistral)", cfg.Provider)
	}
}

// preprocessFunc turns image bytes into OCR-friendlier image bytes.
type preprocessFunc func(data []byte, mimeType string) ([]byte, string, error)

func preprocessor(cfg OCRProviderConfig) (preprocessFunc, error) {
	if !cfg.Preprocess {
		return nil, nil
	}
	mode, err := processor.ParsePreprocessMode(cfg.PreprocessMode)
	if err != nil {
		return nil, err
	}
	maxDim := cfg.MaxDimension
	return func(data []byte, mimeType string) ([]byte, string, error) {
		return processor.PreprocessImageBytes(data, mimeType, mode, maxDim)
	}, nil
}
