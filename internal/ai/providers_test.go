package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bosocmputer/image_wizard/internal/common"
	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n")

func TestOCRSpaceExtract(t *testing.T) {
	var gotLanguage, gotFileType, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		gotLanguage = r.FormValue("language")
		gotFileType = r.FormValue("filetype")
		gotKey = r.Header.Get("apikey")
		assert.True(t, strings.HasPrefix(r.FormValue("base64Image"), "data:application/pdf;base64,"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"ParsedResults": []map[string]any{
				{"ParsedText": "page one", "FileParseExitCode": 1},
				{"ParsedText": "page two", "FileParseExitCode": 1},
			},
			"OCRExitCode":           1,
			"IsErroredOnProcessing": false,
			"ErrorMessage":          nil,
		})
	}))
	defer srv.Close()

	p := NewOCRSpaceProvider("k123", srv.URL, nil)
	out, err := p.Extract(context.Background(), Input{
		Data:         []byte("%PDF-1.4"),
		MIMEType:     "application/pdf",
		LanguageHint: "fra",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "page one\n\npage two", out.Text)
	assert.Equal(t, 2, out.Pages)
	assert.Equal(t, "eng", gotLanguage)
	assert.Equal(t, "PDF", gotFileType)
	assert.Equal(t, "k123", gotKey)
}

func TestOCRSpaceProcessingError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"IsErroredOnProcessing":true,"ErrorMessage":["Unable to recognize the file type"],"OCRExitCode":3}`))
	}))
	defer srv.Close()

	p := NewOCRSpaceProvider("k", srv.URL, nil)
	_, err := p.Extract(context.Background(), Input{Data: pngHeader, MIMEType: "image/png"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unable to recognize the file type")
}

func TestOCRSpaceEmptyText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ParsedResults":[{"ParsedText":"  \r\n"}],"IsErroredOnProcessing":false}`))
	}))
	defer srv.Close()

	p := NewOCRSpaceProvider("k", srv.URL, nil)
	_, err := p.Extract(context.Background(), Input{Data: pngHeader, MIMEType: "image/png"}, nil)
	assert.ErrorIs(t, err, ErrEmptyResult)
}

func TestOCRSpaceHTTPErrorAndBareString(t *testing.T) {
	status := http.StatusForbidden
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`"The API key is invalid"`))
	}))
	defer srv.Close()

	p := NewOCRSpaceProvider("k", srv.URL, nil)
	_, err := p.Extract(context.Background(), Input{Data: pngHeader, MIMEType: "image/png"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	status = http.StatusOK
	_, err = p.Extract(context.Background(), Input{Data: pngHeader, MIMEType: "image/png"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "The API key is invalid")
}

func TestOCRSpacePreprocessFallback(t *testing.T) {
	var gotImage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotImage = r.FormValue("base64Image")
		_, _ = w.Write([]byte(`{"ParsedResults":[{"ParsedText":"ok"}]}`))
	}))
	defer srv.Close()

	failing := func([]byte, string) ([]byte, string, error) { return nil, "", errors.New("decode failed") }
	p := NewOCRSpaceProvider("k", srv.URL, failing)
	out, err := p.Extract(context.Background(), Input{Data: pngHeader, MIMEType: "image/png"}, common.NewRequestContext(""))
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Text)
	assert.True(t, strings.HasPrefix(gotImage, "data:image/png;base64,"))
}

func TestMistralExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer mk", r.Header.Get("Authorization"))
		var req mistralOCRRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "image_url", req.Document.Type)
		assert.Equal(t, "mistral-ocr-latest", req.Model)

		_, _ = w.Write([]byte(`{"model":"mistral-ocr-latest","pages":[{"index":0,"markdown":"# Title"}],"usage_info":{"pages_processed":1}}`))
	}))
	defer srv.Close()

	p := NewMistralProvider("mk", "", srv.URL, nil)
	out, err := p.Extract(context.Background(), Input{Data: pngHeader, MIMEType: "image/png"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "# Title", out.Text)
	require.NotNil(t, out.Usage)
	assert.InDelta(t, 0.002, out.Usage.CostUSD, 1e-9)

	assert.False(t, p.Accepts("application/pdf"))
	_, err = p.Extract(context.Background(), Input{Data: []byte("%PDF"), MIMEType: "application/pdf"}, nil)
	assert.Error(t, err)
}

func TestMistralAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	p := NewMistralProvider("mk", "", srv.URL, nil)
	_, err := p.Extract(context.Background(), Input{Data: pngHeader, MIMEType: "image/png"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func textResponse(text string, in, out int32) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(text)}},
		}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: in, CandidatesTokenCount: out},
	}
}

func TestGeminiExtractAndGenerate(t *testing.T) {
	var gotParts []genai.Part
	calls := 0
	p := newGeminiProvider(GeminiConfig{
		ModelName: "test-model",
		Pricing:   common.Pricing{InputPerMillion: 1, OutputPerMillion: 2},
	}, func(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
		calls++
		gotParts = parts
		return textResponse("hello", 1000, 500), nil
	})

	out, err := p.Extract(context.Background(), Input{Data: pngHeader, MIMEType: "image/png", Instruction: TextExtractionPrompt}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Text)
	require.Len(t, gotParts, 2)
	assert.Equal(t, genai.Text(TextExtractionPrompt), gotParts[0])
	require.NotNil(t, out.Usage)
	assert.Equal(t, 1500, out.Usage.TotalTokens)
	assert.InDelta(t, 0.002, out.Usage.CostUSD, 1e-9)

	out, err = p.Generate(context.Background(), TranslationPrompt("French", "hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Text)
	assert.Len(t, gotParts, 1)
	assert.Equal(t, 2, calls)
}

func TestGeminiNoRetryOnFailure(t *testing.T) {
	calls := 0
	p := newGeminiProvider(GeminiConfig{ModelName: "m"}, func(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
		calls++
		return nil, &googleapi.Error{Code: 503}
	})

	_, err := p.Generate(context.Background(), "x", nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var gemErr *GeminiError
	require.True(t, errors.As(err, &gemErr))
	assert.Equal(t, "server_error", gemErr.Category)
	assert.True(t, gemErr.Retryable)
}

func TestGeminiEmptyAndBlocked(t *testing.T) {
	resp := &genai.GenerateContentResponse{}
	p := newGeminiProvider(GeminiConfig{ModelName: "m"}, func(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
		return resp, nil
	})

	_, err := p.Generate(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrEmptyResult)

	resp = textResponse("   ", 1, 1)
	_, err = p.Generate(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrEmptyResult)

	resp = &genai.GenerateContentResponse{PromptFeedback: &genai.PromptFeedback{BlockReason: genai.BlockReasonSafety}}
	_, err = p.Generate(context.Background(), "x", nil)
	var gemErr *GeminiError
	require.True(t, errors.As(err, &gemErr))
	assert.Equal(t, "blocked", gemErr.Category)
}

func TestCategorizeGeminiError(t *testing.T) {
	cases := []struct {
		err      error
		category string
	}{
		{&googleapi.Error{Code: 400}, "bad_request"},
		{&googleapi.Error{Code: 429}, "rate_limit"},
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "canceled"},
		{errors.New("quota exhausted"), "quota_exceeded"},
		{errors.New("connection reset"), "network_error"},
		{errors.New("???"), "unknown"},
	}
	for _, tc := range cases {
		got := categorizeGeminiError(tc.err)
		assert.Equal(t, tc.category, got.Category, tc.err.Error())
		assert.NotEmpty(t, got.Suggestion())
	}
	assert.Nil(t, categorizeGeminiError(nil))
	assert.ErrorIs(t, categorizeGeminiError(context.DeadlineExceeded), context.DeadlineExceeded)
}

func TestNewOCRProvider(t *testing.T) {
	p, err := NewOCRProvider(OCRProviderConfig{})
	require.NoError(t, err)
	assert.Equal(t, "ocrspace", p.GetProviderName())
	assert.True(t, p.Accepts("application/pdf"))

	_, err = NewOCRProvider(OCRProviderConfig{Provider: "mistral"})
	assert.Error(t, err)

	p, err = NewOCRProvider(OCRProviderConfig{Provider: "mistral", MistralAPIKey: "k", Preprocess: true})
	require.NoError(t, err)
	assert.Equal(t, "mistral", p.GetProviderName())

	_, err = NewOCRProvider(OCRProviderConfig{Provider: "tesseract"})
	assert.Error(t, err)

	p, err = NewOCRProvider(OCRProviderConfig{Preprocess: true, PreprocessMode: "fast"})
	require.NoError(t, err)
	assert.Equal(t, "ocrspace", p.GetProviderName())

	_, err = NewOCRProvider(OCRProviderConfig{Preprocess: true, PreprocessMode: "ultra"})
	assert.ErrorContains(t, err, "unknown preprocess mode")

	_, err = NewOCRProvider(OCRProviderConfig{PreprocessMode: "ultra"})
	assert.NoError(t, err, "mode is ignored while preprocessing is off")
}
