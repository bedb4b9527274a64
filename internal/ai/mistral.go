// mistral.go - Mistral AI client for OCR processing

package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bosocmputer/image_wizard/internal/common"
	"github.com/bosocmputer/image_wizard/internal/processor"
)

const (
	defaultMistralEndpoint = "https://api.mistral.ai/v1/ocr"
	defaultMistralModel    = "mistral-ocr-latest"

	// Mistral OCR: $2 per 1,000 pages
	mistralCostPerPage = 0.002
)

// MistralProvider implements Extractor for the Mistral OCR endpoint.
type MistralProvider struct {
	apiKey     string
	modelName  string
	endpoint   string
	client     *http.Client
	preprocess preprocessFunc
}

// NewMistralProvider creates a new Mistral AI provider
func NewMistralProvider(apiKey, modelName, endpoint string, preprocess preprocessFunc) *MistralProvider {
	if modelName == "" {
		modelName = defaultMistralModel
	}
	if endpoint == "" {
		endpoint = defaultMistralEndpoint
	}
	return &MistralProvider{
		apiKey:     apiKey,
		modelName:  modelName,
		endpoint:   endpoint,
		preprocess: preprocess,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// GetProviderName returns "mistral"
func (m *MistralProvider) GetProviderName() string {
	return "mistral"
}

// Accepts images only. The OCR endpoint rejects PDFs sent inline as base64.
func (m *MistralProvider) Accepts(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}

// Mistral OCR API request/response structures
type mistralOCRDocument struct {
	Type     string `json:"type"`                // "image_url" for inline payloads
	ImageURL string `json:"image_url,omitempty"` // base64 data URL
}

type mistralOCRRequest struct {
	Model    string             `json:"model"`
	Document mistralOCRDocument `json:"document"`
}

type mistralOCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type mistralOCRUsageInfo struct {
	PagesProcessed int `json:"pages_processed"`
	DocSizeBytes   int `json:"doc_size_bytes,omitempty"`
}

type mistralOCRResponse struct {
	Model     string              `json:"model"`
	Pages     []mistralOCRPage    `json:"pages"`
	UsageInfo mistralOCRUsageInfo `json:"usage_info"`
}

type mistralErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Extract sends the image to Mistral OCR and joins the per-page markdown.
func (m *MistralProvider) Extract(ctx context.Context, in Input, reqCtx *common.RequestContext) (*Output, error) {
	if !m.Accepts(in.MIMEType) {
		return nil, fmt.Errorf("mistral OCR does not accept %s payloads", in.MIMEType)
	}
	reqCtx.LogInfo("🔷 Using Mistral AI provider (model: %s)", m.modelName)

	data, mimeType := in.Data, in.MIMEType
	if m.preprocess != nil {
		reqCtx.StartSubStep("image_preprocessing")
		processed, processedType, err := m.preprocess(data, mimeType)
		if err != nil {
			reqCtx.EndSubStep("skipped")
			reqCtx.LogWarning("preprocessing failed, using original: %v", err)
		} else {
			data, mimeType = processed, processedType
			reqCtx.EndSubStep("")
		}
	}
	reqCtx.LogInfo("📊 Image size: %.2f KB, MIME type: %s", float64(len(data))/1024.0, mimeType)

	request := mistralOCRRequest{
		Model: m.modelName,
		Document: mistralOCRDocument{
			Type:     "image_url",
			ImageURL: processor.DataURL(mimeType, data),
		},
	}

	reqCtx.StartSubStep("mistral_ocr_api_call")
	response, err := m.callMistralOCRAPI(ctx, request)
	reqCtx.EndSubStep("")
	if err != nil {
		return nil, fmt.Errorf("mistral OCR API call failed: %w", err)
	}

	var extractedText strings.Builder
	for i, page := range response.Pages {
		if i > 0 {
			extractedText.WriteString("\n\n")
		}
		extractedText.WriteString(page.Markdown)
	}
	finalText := extractedText.String()
	if strings.TrimSpace(finalText) == "" {
		return nil, ErrEmptyResult
	}
	reqCtx.LogInfo("✅ Extracted text from %d page(s), length: %d characters", len(response.Pages), len(finalText))

	pagesProcessed := response.UsageInfo.PagesProcessed
	if pagesProcessed == 0 {
		pagesProcessed = len(response.Pages)
	}
	costUSD := float64(pagesProcessed) * mistralCostPerPage
	reqCtx.LogInfo("💰 Cost: %d page(s) × $%.3f = $%.6f USD", pagesProcessed, mistralCostPerPage, costUSD)

	return &Output{
		Text:  finalText,
		Pages: len(response.Pages),
		// pages are stored as tokens so the request summary stays comparable
		Usage: &common.TokenUsage{
			InputTokens: pagesProcessed,
			TotalTokens: pagesProcessed,
			CostUSD:     costUSD,
		},
	}, nil
}

// callMistralOCRAPI makes HTTP request to Mistral OCR API
func (m *MistralProvider) callMistralOCRAPI(ctx context.Context, request mistralOCRRequest) (*mistralOCRResponse, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", m.apiKey))

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errorResp mistralErrorResponse
		if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
			return nil, fmt.Errorf("mistral OCR API error (%d): %s", resp.StatusCode, errorResp.Error.Message)
		}
		return nil, fmt.Errorf("mistral OCR API error (%d): %s", resp.StatusCode, truncate(string(body), 300))
	}

	var response mistralOCRResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse OCR response: %w", err)
	}
	return &response, nil
}
