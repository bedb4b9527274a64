// ocrspace.go - OCR.Space client, the deterministic OCR backend

package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/bosocmputer/image_wizard/internal/common"
	"github.com/bosocmputer/image_wizard/internal/processor"
)

// OCRLanguage is the only language the deterministic backend is run with.
// Other hints are accepted but ignored; the generative path handles other scripts.
const OCRLanguage = "eng"

const defaultOCRSpaceEndpoint = "https://api.ocr.space/parse/image"

// OCRSpaceProvider implements Extractor against the OCR.Space parse API.
type OCRSpaceProvider struct {
	apiKey     string
	endpoint   string
	client     *http.Client
	preprocess preprocessFunc
}

// NewOCRSpaceProvider creates a new OCR.Space provider.
// preprocess may be nil to send images untouched.
func NewOCRSpaceProvider(apiKey, endpoint string, preprocess preprocessFunc) *OCRSpaceProvider {
	if endpoint == "" {
		endpoint = defaultOCRSpaceEndpoint
	}
	return &OCRSpaceProvider{
		apiKey:     apiKey,
		endpoint:   endpoint,
		preprocess: preprocess,
		client: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
}

// GetProviderName returns "ocrspace"
func (o *OCRSpaceProvider) GetProviderName() string {
	return "ocrspace"
}

// Accepts images and PDFs.
func (o *OCRSpaceProvider) Accepts(mimeType string) bool {
	return mimeType == "application/pdf" || strings.HasPrefix(mimeType, "image/")
}

type ocrSpaceParsedResult struct {
	ParsedText        string `json:"ParsedText"`
	FileParseExitCode int    `json:"FileParseExitCode"`
	ErrorMessage      string `json:"ErrorMessage"`
}

type ocrSpaceResponse struct {
	ParsedResults         []ocrSpaceParsedResult `json:"ParsedResults"`
	OCRExitCode           int                    `json:"OCRExitCode"`
	IsErroredOnProcessing bool                   `json:"IsErroredOnProcessing"`
	// ErrorMessage is a string array on most failures but a plain string on some.
	ErrorMessage json.RawMessage `json:"ErrorMessage"`
}

func (r *ocrSpaceResponse) firstError() string {
	if len(r.ErrorMessage) == 0 || string(r.ErrorMessage) == "null" {
		return ""
	}
	var list []string
	if err := json.Unmarshal(r.ErrorMessage, &list); err == nil {
		if len(list) > 0 {
			return list[0]
		}
		return ""
	}
	var single string
	if err := json.Unmarshal(r.ErrorMessage, &single); err == nil {
		return single
	}
	return string(r.ErrorMessage)
}

// Extract runs OCR.Space on the payload. The language hint is logged and
// replaced with OCRLanguage.
func (o *OCRSpaceProvider) Extract(ctx context.Context, in Input, reqCtx *common.RequestContext) (*Output, error) {
	if hint := strings.ToLower(strings.TrimSpace(in.LanguageHint)); hint != "" && hint != OCRLanguage && hint != "en" {
		reqCtx.LogWarning("OCR language hint %q ignored, using %q", in.LanguageHint, OCRLanguage)
	}

	data, mimeType := in.Data, in.MIMEType
	if o.preprocess != nil && strings.HasPrefix(mimeType, "image/") {
		reqCtx.StartSubStep("image_preprocessing")
		processed, processedType, err := o.preprocess(data, mimeType)
		if err != nil {
			reqCtx.EndSubStep("skipped")
			reqCtx.LogWarning("preprocessing failed, using original: %v", err)
		} else {
			data, mimeType = processed, processedType
			reqCtx.EndSubStep(fmt.Sprintf("%d bytes", len(data)))
		}
	}

	reqCtx.StartSubStep("ocrspace_api_call")
	resp, err := o.call(ctx, data, mimeType)
	reqCtx.EndSubStep("")
	if err != nil {
		return nil, err
	}

	if resp.IsErroredOnProcessing {
		msg := resp.firstError()
		if msg == "" {
			msg = "OCR.Space failed to process the file"
		}
		return nil, fmt.Errorf("ocrspace: %s", msg)
	}

	var text strings.Builder
	for i, page := range resp.ParsedResults {
		if i > 0 && text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(page.ParsedText)
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, ErrEmptyResult
	}

	reqCtx.LogInfo("✅ OCR.Space extracted %d page(s), %d chars", len(resp.ParsedResults), text.Len())
	return &Output{Text: text.String(), Pages: len(resp.ParsedResults)}, nil
}

func (o *OCRSpaceProvider) call(ctx context.Context, data []byte, mimeType string) (*ocrSpaceResponse, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	fields := [][2]string{
		{"base64Image", processor.DataURL(mimeType, data)},
		{"language", OCRLanguage},
		{"isOverlayRequired", "false"},
		{"filetype", ocrSpaceFileType(mimeType)},
		{"scale", "true"},
	}
	for _, f := range fields {
		if err := form.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("failed to build form: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("apikey", o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocrspace request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ocrspace API error (%d): %s", resp.StatusCode, truncate(string(raw), 300))
	}

	var out ocrSpaceResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		// OCR.Space answers some failures (bad key, quota) with a bare JSON string.
		var msg string
		if json.Unmarshal(raw, &msg) == nil && msg != "" {
			return nil, fmt.Errorf("ocrspace: %s", msg)
		}
		return nil, fmt.Errorf("failed to parse OCR response: %w", err)
	}
	return &out, nil
}

func ocrSpaceFileType(mimeType string) string {
	switch mimeType {
	case "application/pdf":
		return "PDF"
	case "image/png":
		return "PNG"
	case "image/gif":
		return "GIF"
	case "image/bmp":
		return "BMP"
	case "image/tiff":
		return "TIF"
	default:
		return "JPG"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
