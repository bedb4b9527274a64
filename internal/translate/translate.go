// translate.go - Target language table and the generative translation step

package translate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bosocmputer/image_wizard/internal/ai"
	"github.com/bosocmputer/image_wizard/internal/common"
)

var (
	// ErrInvalidTarget is returned for a code outside the supported set.
	ErrInvalidTarget = errors.New("unsupported translation target")
	// ErrTranslationFailed wraps any failure of the translation call.
	ErrTranslationFailed = errors.New("translation failed")
)

// NoTranslation is the explicit "leave it alone" target.
const NoTranslation = "none"

// Languages maps supported target codes to the full names used in prompts.
var Languages = map[string]string{
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"hi": "Hindi",
	"bn": "Bengali",
	"en": "English",
}

// Codes returns the supported target codes, sorted.
func Codes() []string {
	codes := make([]string, 0, len(Languages))
	for code := range Languages {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// IsNoTranslation reports whether target asks for no translation.
func IsNoTranslation(target string) bool {
	t := strings.TrimSpace(target)
	return t == "" || strings.EqualFold(t, NoTranslation)
}

// LanguageName resolves a target code to its full name.
func LanguageName(target string) (string, error) {
	name, ok := Languages[strings.ToLower(strings.TrimSpace(target))]
	if !ok {
		return "", fmt.Errorf("%w: %q (supported: %s)", ErrInvalidTarget, target, strings.Join(Codes(), ", "))
	}
	return name, nil
}

// Translator rewrites text into a target language with one generative call.
type Translator struct {
	gen ai.Generator
}

func NewTranslator(gen ai.Generator) *Translator {
	return &Translator{gen: gen}
}

// Translate returns text unchanged for a no-translation target. Otherwise the
// whole text is sent in one call; an empty answer counts as a failure.
func (t *Translator) Translate(ctx context.Context, text, target string, reqCtx *common.RequestContext) (string, *common.TokenUsage, error) {
	if IsNoTranslation(target) {
		return text, nil, nil
	}
	name, err := LanguageName(target)
	if err != nil {
		return "", nil, err
	}

	reqCtx.LogInfo("🌐 Translating %d chars to %s", len(text), name)
	out, err := t.gen.Generate(ctx, ai.TranslationPrompt(name, text), reqCtx)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrTranslationFailed, err)
	}
	translated := strings.TrimSpace(out.Text)
	if translated == "" {
		return "", nil, fmt.Errorf("%w: empty translation", ErrTranslationFailed)
	}
	return translated, out.Usage, nil
}
