// gemini.go - Gemini client for AI text/code extraction and translation

package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/bosocmputer/image_wizard/internal/common"
	"github.com/bosocmputer/image_wizard/internal/ratelimit"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const geminiMaxOutputTokens = 8192

// generateFunc is the single call the provider makes against the model.
type generateFunc func(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)

// GeminiProvider implements Extractor and Generator on top of one shared
// genai client. Calls go through the rate limiter and are made exactly once.
type GeminiProvider struct {
	client    *genai.Client
	modelName string
	limiter   *ratelimit.RateLimiter
	pricing   common.Pricing
	generate  generateFunc
}

// GeminiConfig contains configuration for the Gemini provider
type GeminiConfig struct {
	APIKey    string
	ModelName string
	Pricing   common.Pricing
	// Limiter may be shared with other callers; nil disables rate limiting.
	Limiter *ratelimit.RateLimiter
}

// NewGeminiProvider creates the client once; call Close on shutdown.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini provider requires an API key")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.ModelName)
	model.SetMaxOutputTokens(geminiMaxOutputTokens)
	model.SetTemperature(0.1)

	p := newGeminiProvider(cfg, model.GenerateContent)
	p.client = client
	return p, nil
}

func newGeminiProvider(cfg GeminiConfig, generate generateFunc) *GeminiProvider {
	return &GeminiProvider{
		modelName: cfg.ModelName,
		limiter:   cfg.Limiter,
		pricing:   cfg.Pricing,
		generate:  generate,
	}
}

// Close releases the underlying client.
func (g *GeminiProvider) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// GetProviderName returns "gemini"
func (g *GeminiProvider) GetProviderName() string {
	return "gemini"
}

// Accepts images only.
func (g *GeminiProvider) Accepts(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}

// Extract sends the instruction and the image in one request.
func (g *GeminiProvider) Extract(ctx context.Context, in Input, reqCtx *common.RequestContext) (*Output, error) {
	if in.Instruction == "" {
		return nil, fmt.Errorf("gemini extraction requires an instruction")
	}
	reqCtx.LogInfo("📖 Gemini model: %s, image %.2f KB (%s)", g.modelName, float64(len(in.Data))/1024.0, in.MIMEType)

	return g.call(ctx, reqCtx, "call_gemini_vision",
		genai.Text(in.Instruction),
		genai.Blob{MIMEType: in.MIMEType, Data: in.Data},
	)
}

// Generate runs a text-only prompt.
func (g *GeminiProvider) Generate(ctx context.Context, prompt string, reqCtx *common.RequestContext) (*Output, error) {
	return g.call(ctx, reqCtx, "call_gemini_text", genai.Text(prompt))
}

func (g *GeminiProvider) call(ctx context.Context, reqCtx *common.RequestContext, subStep string, parts ...genai.Part) (*Output, error) {
	if g.limiter != nil {
		reqCtx.StartSubStep("rate_limit_wait")
		err := g.limiter.Wait(ctx)
		reqCtx.EndSubStep("")
		if err != nil {
			return nil, categorizeGeminiError(err)
		}
	}

	reqCtx.StartSubStep(subStep)
	resp, err := g.generate(ctx, parts...)
	if err != nil {
		reqCtx.EndSubStep("❌ FAILED")
		gemErr := categorizeGeminiError(err)
		reqCtx.LogError("Gemini call failed: %s", gemErr.Error())
		return nil, gemErr
	}

	text, err := responseText(resp)
	if err != nil {
		reqCtx.EndSubStep("❌ FAILED")
		return nil, err
	}

	usage := g.usage(resp)
	if usage != nil {
		reqCtx.EndSubStep(fmt.Sprintf("tokens: %d", usage.TotalTokens))
	} else {
		reqCtx.EndSubStep("")
	}

	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		reqCtx.LogWarning("⚠️  Gemini output was truncated (FinishReason: MAX_TOKENS)")
	}
	reqCtx.LogInfo("✅ Gemini returned %d chars", len(text))

	return &Output{Text: text, Usage: usage, Pages: 1}, nil
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return "", &GeminiError{
				Category: "blocked",
				Message:  fmt.Sprintf("prompt blocked: %v", resp.PromptFeedback.BlockReason),
			}
		}
		return "", ErrEmptyResult
	}

	cand := resp.Candidates[0]
	if cand.Content == nil {
		return "", ErrEmptyResult
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", ErrEmptyResult
	}
	return sb.String(), nil
}

func (g *GeminiProvider) usage(resp *genai.GenerateContentResponse) *common.TokenUsage {
	if resp.UsageMetadata == nil {
		return nil
	}
	usage := g.pricing.Cost(
		int(resp.UsageMetadata.PromptTokenCount),
		int(resp.UsageMetadata.CandidatesTokenCount),
	)
	return &usage
}
