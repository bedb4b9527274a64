// orchestrator.go - The conversion pipeline: validate, charge check, extract, normalize, translate, commit

package convert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bosocmputer/image_wizard/internal/ai"
	"github.com/bosocmputer/image_wizard/internal/common"
	"github.com/bosocmputer/image_wizard/internal/ledger"
	"github.com/bosocmputer/image_wizard/internal/normalize"
	"github.com/bosocmputer/image_wizard/internal/processor"
	"github.com/bosocmputer/image_wizard/internal/storage"
	"github.com/bosocmputer/image_wizard/internal/translate"
)

const (
	DefaultBackendTimeout  = 60 * time.Second
	DefaultCommitTimeout   = 10 * time.Second
	DefaultMaxPayloadBytes = 10 << 20
)

// Ledger is the part of the credit ledger the pipeline needs.
type Ledger interface {
	GetBalance(ctx context.Context, ref string) (int, error)
	TryDeductAndRecord(ctx context.Context, ref string, amount int, entry *storage.HistoryEntry) (int, error)
	RecordAnonymous(ctx context.Context, entry *storage.HistoryEntry) error
}

// Translator rewrites extracted text into a target language.
type Translator interface {
	Translate(ctx context.Context, text, target string, reqCtx *common.RequestContext) (string, *common.TokenUsage, error)
}

// Config wires the orchestrator's collaborators.
type Config struct {
	OCR        ai.Extractor
	Generative ai.Extractor
	Translator Translator
	Ledger     Ledger

	BackendTimeout  time.Duration
	CommitTimeout   time.Duration
	MaxPayloadBytes int
}

// Orchestrator runs one conversion request end to end. It holds no
// per-request state and is safe for concurrent use.
type Orchestrator struct {
	ocr        ai.Extractor
	generative ai.Extractor
	translator Translator
	ledger     Ledger

	backendTimeout  time.Duration
	commitTimeout   time.Duration
	maxPayloadBytes int
}

func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		ocr:             cfg.OCR,
		generative:      cfg.Generative,
		translator:      cfg.Translator,
		ledger:          cfg.Ledger,
		backendTimeout:  cfg.BackendTimeout,
		commitTimeout:   cfg.CommitTimeout,
		maxPayloadBytes: cfg.MaxPayloadBytes,
	}
	if o.backendTimeout <= 0 {
		o.backendTimeout = DefaultBackendTimeout
	}
	if o.commitTimeout <= 0 {
		o.commitTimeout = DefaultCommitTimeout
	}
	if o.maxPayloadBytes <= 0 {
		o.maxPayloadBytes = DefaultMaxPayloadBytes
	}
	return o
}

// Request is one conversion. An empty AccountRef is an anonymous caller.
type Request struct {
	Payload        []byte
	Mode           string
	SourceLanguage string
	TargetLanguage string
	AccountRef     string
}

// Result is a successful conversion.
type Result struct {
	RequestID string
	Mode      Mode

	RawText        string
	NormalizedText string
	// FormattedText is the list-aware view; it equals NormalizedText for AI modes.
	FormattedText  string
	TranslatedText string
	TargetLanguage string
	ContentKind    ContentKind

	CreditsCharged int
	// Balance is the balance after the charge; nil for anonymous callers.
	Balance   *int
	HistoryID string

	// Notice is an advisory for the caller, e.g. that the OCR path only reads English.
	Notice string
}

type validated struct {
	spec    ModeSpec
	payload *processor.Payload
	backend ai.Extractor
	target  string
	notice  string
}

// Convert runs the pipeline. Every failure before commit leaves balances and
// history untouched; the commit itself is a single atomic ledger call.
func (o *Orchestrator) Convert(ctx context.Context, req Request) (*Result, error) {
	req.AccountRef = strings.TrimSpace(req.AccountRef)
	reqCtx := common.NewRequestContext(req.AccountRef)

	res, err := o.run(ctx, req, reqCtx)
	reqCtx.GetSummary()
	if err != nil {
		reqCtx.Logger().Warn().Str("kind", string(KindOf(err))).Err(err).Msg("conversion failed")
		return nil, err
	}
	res.RequestID = reqCtx.RequestID
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, reqCtx *common.RequestContext) (*Result, error) {
	// 1. validate
	reqCtx.StartStep("validate")
	v, err := o.validate(req, reqCtx)
	if err != nil {
		reqCtx.EndStep("failed", nil, err)
		return nil, err
	}
	reqCtx.EndStep("success", nil, nil)

	// 2-3. identity, cost and fast-path balance check
	reqCtx.StartStep("resolve_account")
	if err := o.resolveAccount(ctx, req.AccountRef, v.spec); err != nil {
		reqCtx.EndStep("failed", nil, err)
		return nil, err
	}
	reqCtx.EndStep("success", nil, nil)

	// 4-5. extract
	reqCtx.StartStep("extract")
	out, err := o.extract(ctx, v, req.SourceLanguage, reqCtx)
	if err != nil {
		reqCtx.EndStep("failed", nil, err)
		return nil, err
	}
	reqCtx.EndStep("success", out.Usage, nil)

	// 6. normalize
	reqCtx.StartStep("normalize")
	normalized, formatted := normalizeFor(v.spec, out.Text)
	if normalized == "" {
		err := newError(KindExtractionFailed, ai.ErrEmptyResult, "no text was found in the upload")
		reqCtx.EndStep("failed", nil, err)
		return nil, err
	}
	reqCtx.EndStep("success", nil, nil)

	res := &Result{
		Mode:           v.spec.Mode,
		RawText:        out.Text,
		NormalizedText: normalized,
		FormattedText:  formatted,
		ContentKind:    v.spec.ContentKind,
		Notice:         v.notice,
	}

	// 7. translate
	if v.target != "" {
		reqCtx.StartStep("translate")
		translated, usage, err := o.translate(ctx, normalized, v.target, reqCtx)
		if err != nil {
			reqCtx.EndStep("failed", nil, err)
			return nil, err
		}
		reqCtx.EndStep("success", usage, nil)
		res.TranslatedText = translated
		res.TargetLanguage = v.target
	}

	// 8. commit
	reqCtx.StartStep("commit")
	if err := o.commit(ctx, req.AccountRef, v.spec, res); err != nil {
		reqCtx.EndStep("failed", nil, err)
		return nil, err
	}
	reqCtx.EndStep("success", nil, nil)

	return res, nil
}

func (o *Orchestrator) validate(req Request, reqCtx *common.RequestContext) (*validated, error) {
	spec, err := ParseMode(req.Mode)
	if err != nil {
		return nil, newError(KindInvalidRequest, err, "%s", err.Error())
	}

	if len(req.Payload) == 0 {
		return nil, newError(KindInvalidRequest, processor.ErrEmptyPayload, "no file was uploaded")
	}

	reqCtx.StartSubStep("decode_payload")
	payload, err := processor.DecodePayload(req.Payload)
	if err != nil {
		return nil, newError(KindInvalidRequest, err, "could not read the uploaded file")
	}
	reqCtx.EndSubStep(fmt.Sprintf("%s, %d bytes", payload.MIMEType, len(payload.Data)))

	if len(payload.Data) > o.maxPayloadBytes {
		return nil, newError(KindInvalidRequest, nil, "file is too large (max %d MB)", o.maxPayloadBytes>>20)
	}

	if !spec.accepts(payload.Class) {
		return nil, newError(KindInvalidRequest, nil, "mode %s does not accept %s uploads", spec.WireName, describeClass(payload))
	}

	v := &validated{spec: spec, payload: payload}
	switch spec.Backend {
	case BackendOCR:
		v.backend = o.ocr
	case BackendGenerative:
		v.backend = o.generative
	}
	if v.backend == nil {
		return nil, newError(KindInvalidRequest, nil, "mode %s is not available", spec.WireName)
	}
	if !v.backend.Accepts(payload.MIMEType) {
		return nil, newError(KindInvalidRequest, nil, "mode %s cannot read %s files with the configured backend", spec.WireName, payload.MIMEType)
	}

	if !translate.IsNoTranslation(req.TargetLanguage) {
		if !spec.Translatable {
			return nil, newError(KindInvalidRequest, nil, "translation is only available for the text-ai mode")
		}
		if _, err := translate.LanguageName(req.TargetLanguage); err != nil {
			return nil, newError(KindInvalidTranslationTarget, err, "unsupported translation language %q", req.TargetLanguage)
		}
		v.target = strings.ToLower(strings.TrimSpace(req.TargetLanguage))
	}

	if spec.Backend == BackendOCR && !englishHint(req.SourceLanguage) {
		v.notice = "OCR reads English only; use the text-ai mode for other languages"
		reqCtx.LogWarning("⚠️  OCR language hint %q ignored, using English", req.SourceLanguage)
	}
	return v, nil
}

func (o *Orchestrator) resolveAccount(ctx context.Context, ref string, spec ModeSpec) error {
	if ref == "" {
		if spec.RequiresAccount() {
			return newError(KindAccountRequired, nil, "sign in to use the %s mode", spec.WireName)
		}
		return nil
	}

	balance, err := o.ledger.GetBalance(ctx, ref)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return newError(KindAccountNotFound, err, "account not found")
	case err != nil:
		return newError(KindCommitFailure, err, "could not read the account balance, nothing was charged")
	}
	if balance < spec.Cost {
		return newError(KindInsufficientCredits, nil, "this conversion needs %d credits, you have %d", spec.Cost, balance)
	}
	return nil
}

func (o *Orchestrator) extract(ctx context.Context, v *validated, languageHint string, reqCtx *common.RequestContext) (*ai.Output, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.backendTimeout)
	defer cancel()

	reqCtx.LogInfo("🔍 %s via %s (%s)", v.spec.Mode, v.backend.GetProviderName(), v.payload.MIMEType)
	out, err := v.backend.Extract(callCtx, ai.Input{
		Data:         v.payload.Data,
		MIMEType:     v.payload.MIMEType,
		Instruction:  v.spec.Prompt,
		LanguageHint: languageHint,
	}, reqCtx)
	if err != nil {
		return nil, newError(KindExtractionFailed, err, "%s", backendMessage(err))
	}
	if out == nil || strings.TrimSpace(out.Text) == "" {
		return nil, newError(KindExtractionFailed, ai.ErrEmptyResult, "no text was found in the upload")
	}
	return out, nil
}

func (o *Orchestrator) translate(ctx context.Context, text, target string, reqCtx *common.RequestContext) (string, *common.TokenUsage, error) {
	if o.translator == nil {
		return "", nil, newError(KindExtractionFailed, nil, "translation is not available")
	}
	callCtx, cancel := context.WithTimeout(ctx, o.backendTimeout)
	defer cancel()

	translated, usage, err := o.translator.Translate(callCtx, text, target, reqCtx)
	switch {
	case errors.Is(err, translate.ErrInvalidTarget):
		return "", nil, newError(KindInvalidTranslationTarget, err, "unsupported translation language %q", target)
	case err != nil:
		return "", nil, newError(KindExtractionFailed, err, "%s", backendMessage(err))
	}
	return translated, usage, nil
}

// commit runs detached from the caller's cancellation: once the backend work
// is done the charge and history write either both land or neither does.
func (o *Orchestrator) commit(ctx context.Context, ref string, spec ModeSpec, res *Result) error {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.commitTimeout)
	defer cancel()

	entry := &storage.HistoryEntry{
		Mode:           string(spec.Mode),
		Type:           spec.HistoryType,
		ContentKind:    string(spec.ContentKind),
		NormalizedText: res.NormalizedText,
		TranslatedText: res.TranslatedText,
		TargetLanguage: res.TargetLanguage,
	}

	if ref == "" {
		if err := o.ledger.RecordAnonymous(commitCtx, entry); err != nil {
			return newError(KindCommitFailure, err, "could not save the conversion")
		}
		res.HistoryID = entry.ID
		return nil
	}

	balance, err := o.ledger.TryDeductAndRecord(commitCtx, ref, spec.Cost, entry)
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return newError(KindInsufficientCredits, err, "this conversion needs %d credits", spec.Cost)
	case errors.Is(err, ledger.ErrAccountNotFound):
		return newError(KindAccountNotFound, err, "account not found")
	case err != nil:
		return newError(KindCommitFailure, err, "could not save the conversion, no credits were charged")
	}

	res.CreditsCharged = spec.Cost
	res.Balance = &balance
	res.HistoryID = entry.ID
	return nil
}

func normalizeFor(spec ModeSpec, raw string) (normalized, formatted string) {
	switch spec.Mode {
	case ModeAICode:
		code := normalize.StripCodeFence(raw)
		return code, code
	case ModeAIText:
		text := normalize.FixMarkdownLists(raw)
		return text, text
	default:
		ocr := normalize.CleanOCR(raw)
		return normalize.FixMarkdownLists(ocr.Cleaned), ocr.Formatted
	}
}

// backendMessage picks a user-facing message without leaking backend internals.
func backendMessage(err error) string {
	var gemErr *ai.GeminiError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "the extraction service timed out, please try again"
	case errors.Is(err, ai.ErrEmptyResult):
		return "no text was found in the upload"
	case errors.As(err, &gemErr):
		return gemErr.Suggestion()
	default:
		return err.Error()
	}
}

func describeClass(p *processor.Payload) string {
	if p.Class == processor.ClassUnknown {
		return p.MIMEType
	}
	return string(p.Class)
}

func englishHint(lang string) bool {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "", "eng", "en", "english":
		return true
	}
	return false
}
