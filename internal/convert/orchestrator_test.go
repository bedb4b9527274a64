package convert

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bosocmputer/image_wizard/internal/ai"
	"github.com/bosocmputer/image_wizard/internal/common"
	"github.com/bosocmputer/image_wizard/internal/ledger"
	"github.com/bosocmputer/image_wizard/internal/processor"
	"github.com/bosocmputer/image_wizard/internal/storage"
	"github.com/bosocmputer/image_wizard/internal/translate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	name   string
	text   string
	err    error
	delay  time.Duration
	mimes  []string
	calls  atomic.Int32
	mu     sync.Mutex
	lastIn ai.Input
}

func (f *fakeExtractor) Extract(ctx context.Context, in ai.Input, _ *common.RequestContext) (*ai.Output, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.lastIn = in
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &ai.Output{Text: f.text}, nil
}

func (f *fakeExtractor) GetProviderName() string { return f.name }

func (f *fakeExtractor) Accepts(mimeType string) bool {
	for _, m := range f.mimes {
		if m == mimeType || (m == "image/*" && strings.HasPrefix(mimeType, "image/")) {
			return true
		}
	}
	return false
}

func (f *fakeExtractor) input() ai.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastIn
}

type fakeGenerator struct {
	text  string
	err   error
	calls atomic.Int32
}

func (g *fakeGenerator) Generate(context.Context, string, *common.RequestContext) (*ai.Output, error) {
	g.calls.Add(1)
	if g.err != nil {
		return nil, g.err
	}
	return &ai.Output{Text: g.text}, nil
}

// spyLedger counts anonymous history writes and can fail the commit or the
// balance read.
type spyLedger struct {
	*ledger.Ledger
	mu         sync.Mutex
	anonymous  []*storage.HistoryEntry
	commitErr  error
	balanceErr error
}

func (s *spyLedger) GetBalance(ctx context.Context, ref string) (int, error) {
	if s.balanceErr != nil {
		return 0, s.balanceErr
	}
	return s.Ledger.GetBalance(ctx, ref)
}

func (s *spyLedger) RecordAnonymous(ctx context.Context, entry *storage.HistoryEntry) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	if err := s.Ledger.RecordAnonymous(ctx, entry); err != nil {
		return err
	}
	s.mu.Lock()
	s.anonymous = append(s.anonymous, entry)
	s.mu.Unlock()
	return nil
}

func (s *spyLedger) TryDeductAndRecord(ctx context.Context, ref string, amount int, entry *storage.HistoryEntry) (int, error) {
	if s.commitErr != nil {
		return 0, s.commitErr
	}
	return s.Ledger.TryDeductAndRecord(ctx, ref, amount, entry)
}

func (s *spyLedger) anonymousCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.anonymous)
}

type harness struct {
	orch   *Orchestrator
	ocr    *fakeExtractor
	gen    *fakeExtractor
	tr     *fakeGenerator
	ledger *spyLedger
	store  storage.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	s, err := storage.OpenSQL(ctx, storage.DialectSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close(ctx) })

	h := &harness{
		ocr:    &fakeExtractor{name: "ocr", text: "Invoice  42\r\n\r\n\r\n-  item one", mimes: []string{"image/*", "application/pdf"}},
		gen:    &fakeExtractor{name: "gen", text: "```go\nfmt.Println(1)\n```", mimes: []string{"image/*"}},
		tr:     &fakeGenerator{text: "  Hola  "},
		ledger: &spyLedger{Ledger: ledger.New(s, ledger.Options{})},
		store:  s,
	}
	h.orch = New(Config{
		OCR:            h.ocr,
		Generative:     h.gen,
		Translator:     translate.NewTranslator(h.tr),
		Ledger:         h.ledger,
		BackendTimeout: time.Second,
	})
	return h
}

// account creates ref with the given balance.
func (h *harness) account(t *testing.T, ref string, balance int) {
	t.Helper()
	ctx := context.Background()
	_, err := h.store.CreateAccount(ctx, &storage.Account{Ref: ref, Credits: balance})
	require.NoError(t, err)
}

type snapshot struct {
	balance   int
	history   int
	anonymous int
}

func (h *harness) snapshot(t *testing.T, ref string) snapshot {
	t.Helper()
	ctx := context.Background()
	snap := snapshot{anonymous: h.ledger.anonymousCount()}
	if ref != "" {
		acc, err := h.store.GetAccount(ctx, ref)
		require.NoError(t, err)
		snap.balance = acc.Credits
		_, total, err := h.store.ListHistory(ctx, ref, 0, 100)
		require.NoError(t, err)
		snap.history = total
	}
	return snap
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.Black)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")

func TestModeTable(t *testing.T) {
	want := map[string]struct {
		mode    Mode
		cost    int
		backend BackendKind
		prompt  string
	}{
		"text":        {ModePlainOCR, 1, BackendOCR, ""},
		"pdf-to-text": {ModePDFOCR, 3, BackendOCR, ""},
		"text-ai":     {ModeAIText, 2, BackendGenerative, ai.TextExtractionPrompt},
		"code":        {ModeAICode, 3, BackendGenerative, ai.CodeExtractionPrompt},
	}
	require.Len(t, Modes(), len(want))
	for wire, w := range want {
		for i := 0; i < 3; i++ {
			spec, err := ParseMode(wire)
			require.NoError(t, err)
			assert.Equal(t, w.mode, spec.Mode)
			assert.Equal(t, w.cost, spec.Cost)
			assert.Equal(t, w.backend, spec.Backend)
			assert.Equal(t, w.prompt, spec.Prompt)
		}
		byCanonical, err := ParseMode(string(w.mode))
		require.NoError(t, err)
		assert.Equal(t, wire, byCanonical.WireName)
	}

	_, err := ParseMode("video")
	assert.Error(t, err)
}

func TestCodeModeAlwaysUsesGenerativeBackendWithCodePrompt(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user_1", 20)

	for i := 0; i < 2; i++ {
		res, err := h.orch.Convert(context.Background(), Request{Payload: pngBytes(t), Mode: "code", AccountRef: "user_1"})
		require.NoError(t, err)
		assert.Equal(t, 3, res.CreditsCharged)
		assert.Equal(t, "fmt.Println(1)", res.NormalizedText)
		assert.Equal(t, ContentCode, res.ContentKind)
	}
	assert.Equal(t, int32(2), h.gen.calls.Load())
	assert.Zero(t, h.ocr.calls.Load())
	assert.Equal(t, ai.CodeExtractionPrompt, h.gen.input().Instruction)
	assert.Equal(t, "image/png", h.gen.input().MIMEType)
}

func TestAnonymousPlainOCR(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Convert(context.Background(), Request{Payload: pngBytes(t), Mode: "text"})
	require.NoError(t, err)

	assert.Equal(t, ContentStructured, res.ContentKind)
	assert.Equal(t, "Invoice 42\n\n- item one", res.NormalizedText)
	assert.Equal(t, "Invoice 42\n\n- item one", res.FormattedText)
	assert.Zero(t, res.CreditsCharged)
	assert.Nil(t, res.Balance)
	assert.NotEmpty(t, res.RequestID)
	assert.Empty(t, res.Notice)

	require.Equal(t, 1, h.ledger.anonymousCount())
	entry := h.ledger.anonymous[0]
	assert.Empty(t, entry.AccountRef)
	assert.Equal(t, res.HistoryID, entry.ID)
	assert.Equal(t, "image-to-text", entry.Type)
	assert.Equal(t, "plain-ocr", entry.Mode)
}

func TestAnonymousAIModeRequiresAccount(t *testing.T) {
	h := newHarness(t)

	for _, mode := range []string{"text-ai", "code"} {
		_, err := h.orch.Convert(context.Background(), Request{Payload: pngBytes(t), Mode: mode})
		assert.Equal(t, KindAccountRequired, KindOf(err), mode)
	}
	assert.Zero(t, h.gen.calls.Load())
	assert.Zero(t, h.ledger.anonymousCount())
}

func TestInsufficientCreditsSkipsBackend(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user_1", 2)
	before := h.snapshot(t, "user_1")

	_, err := h.orch.Convert(context.Background(), Request{Payload: pngBytes(t), Mode: "code", AccountRef: "user_1"})
	assert.Equal(t, KindInsufficientCredits, KindOf(err))
	assert.Zero(t, h.gen.calls.Load())
	assert.Equal(t, before, h.snapshot(t, "user_1"))
	assert.Equal(t, 2, h.snapshot(t, "user_1").balance)
}

func TestInvalidTranslationTarget(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user_1", 5)
	before := h.snapshot(t, "user_1")

	_, err := h.orch.Convert(context.Background(), Request{
		Payload: pngBytes(t), Mode: "text-ai", TargetLanguage: "xx", AccountRef: "user_1",
	})
	assert.Equal(t, KindInvalidTranslationTarget, KindOf(err))
	assert.Equal(t, before, h.snapshot(t, "user_1"))
	assert.Equal(t, 5, h.snapshot(t, "user_1").balance)
	assert.Zero(t, h.tr.calls.Load())
}

func TestTranslationSuccess(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user_1", 5)
	h.gen.text = "Name:  Ana\n*   Age: 30"

	res, err := h.orch.Convert(context.Background(), Request{
		Payload: pngBytes(t), Mode: "text-ai", TargetLanguage: "ES", AccountRef: "user_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "Name:  Ana\n- Age: 30", res.NormalizedText)
	assert.Equal(t, "Hola", res.TranslatedText)
	assert.Equal(t, "es", res.TargetLanguage)
	assert.Equal(t, ai.TextExtractionPrompt, h.gen.input().Instruction)
	require.NotNil(t, res.Balance)
	assert.Equal(t, 3, *res.Balance)

	entries, _, err := h.store.ListHistory(context.Background(), "user_1", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Hola", entries[0].TranslatedText)
	assert.Equal(t, "image-to-text-ai", entries[0].Type)
}

func TestNoTranslationSentinel(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user_1", 5)

	for _, target := range []string{"", "none", "NONE"} {
		res, err := h.orch.Convert(context.Background(), Request{Payload: pngBytes(t), Mode: "text", TargetLanguage: target, AccountRef: "user_1"})
		require.NoError(t, err, target)
		assert.Empty(t, res.TranslatedText)
	}
	assert.Zero(t, h.tr.calls.Load())
}

func TestTranslationFailureChargesNothing(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user_1", 5)
	h.tr.err = errors.New("backend down")
	before := h.snapshot(t, "user_1")

	_, err := h.orch.Convert(context.Background(), Request{Payload: pngBytes(t), Mode: "text-ai", TargetLanguage: "fr", AccountRef: "user_1"})
	assert.Equal(t, KindExtractionFailed, KindOf(err))
	assert.ErrorIs(t, err, translate.ErrTranslationFailed)
	assert.Equal(t, before, h.snapshot(t, "user_1"))
}

func TestTranslationFailureMessages(t *testing.T) {
	cases := map[string]struct {
		err  error
		want string
	}{
		"gemini outage": {
			err:  &ai.GeminiError{Category: "server_error", StatusCode: 503, Message: "upstream 503"},
			want: (&ai.GeminiError{Category: "server_error"}).Suggestion(),
		},
		"deadline": {
			err:  context.DeadlineExceeded,
			want: "the extraction service timed out, please try again",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.account(t, "user_1", 5)
			h.tr.err = tc.err

			_, err := h.orch.Convert(context.Background(), Request{Payload: pngBytes(t), Mode: "text-ai", TargetLanguage: "de", AccountRef: "user_1"})
			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, KindExtractionFailed, cerr.Kind)
			assert.Equal(t, tc.want, cerr.Message)
			assert.NotContains(t, cerr.Message, "503")
			assert.ErrorIs(t, err, translate.ErrTranslationFailed)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestValidation(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user_1", 50)

	cases := map[string]struct {
		req  Request
		want Kind
	}{
		"unknown mode":            {Request{Payload: pngBytes(t), Mode: "video"}, KindInvalidRequest},
		"empty payload":           {Request{Mode: "text"}, KindInvalidRequest},
		"pdf to image mode":       {Request{Payload: pdfBytes, Mode: "text"}, KindInvalidRequest},
		"image to pdf mode":       {Request{Payload: pngBytes(t), Mode: "pdf-to-text"}, KindInvalidRequest},
		"pdf to ai mode":          {Request{Payload: pdfBytes, Mode: "code", AccountRef: "user_1"}, KindInvalidRequest},
		"unknown bytes":           {Request{Payload: []byte("just some text"), Mode: "text"}, KindInvalidRequest},
		"bad data url":            {Request{Payload: []byte("data:image/png;base64,@@@"), Mode: "text"}, KindInvalidRequest},
		"translate non-text-ai":   {Request{Payload: pngBytes(t), Mode: "code", TargetLanguage: "es", AccountRef: "user_1"}, KindInvalidRequest},
		"translate plain ocr":     {Request{Payload: pngBytes(t), Mode: "text", TargetLanguage: "es"}, KindInvalidRequest},
		"unknown account":         {Request{Payload: pngBytes(t), Mode: "text", AccountRef: "ghost"}, KindAccountNotFound},
		"unknown account ai mode": {Request{Payload: pngBytes(t), Mode: "code", AccountRef: "ghost"}, KindAccountNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			before := h.snapshot(t, "user_1")
			_, err := h.orch.Convert(context.Background(), tc.req)
			assert.Equal(t, tc.want, KindOf(err))
			assert.Equal(t, before, h.snapshot(t, "user_1"))
		})
	}
	assert.Zero(t, h.ocr.calls.Load())
	assert.Zero(t, h.gen.calls.Load())
}

func TestPayloadTooLarge(t *testing.T) {
	h := newHarness(t)
	h.orch.maxPayloadBytes = 16

	_, err := h.orch.Convert(context.Background(), Request{Payload: pngBytes(t), Mode: "text"})
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}

func TestPDFMode(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user_1", 3)

	res, err := h.orch.Convert(context.Background(), Request{Payload: pdfBytes, Mode: "pdf-to-text", AccountRef: "user_1"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.CreditsCharged)
	require.NotNil(t, res.Balance)
	assert.Zero(t, *res.Balance)
	assert.Equal(t, "application/pdf", h.ocr.input().MIMEType)
}

func TestDataURLPayload(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Convert(context.Background(), Request{
		Payload: []byte(processor.DataURL("image/png", pngBytes(t))),
		Mode:    "text",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.NormalizedText)
	assert.Equal(t, "image/png", h.ocr.input().MIMEType)
}

func TestNonEnglishHintAddsNotice(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Convert(context.Background(), Request{Payload: pngBytes(t), Mode: "text", SourceLanguage: "fra"})
	require.NoError(t, err)
	assert.Contains(t, res.Notice, "text-ai")
	assert.Equal(t, "fra", h.ocr.input().LanguageHint)
}

func TestExtractionFailures(t *testing.T) {
	cases := map[string]func(h *harness){
		"backend error": func(h *harness) { h.ocr.err = errors.New("E301: image too blurry") },
		"empty result":  func(h *harness) { h.ocr.err = ai.ErrEmptyResult },
		"blank text":    func(h *harness) { h.ocr.text = " \r\n\t " },
		"timeout":       func(h *harness) { h.ocr.delay = time.Minute; h.orch.backendTimeout = 20 * time.Millisecond },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.account(t, "user_1", 5)
			setup(h)
			before := h.snapshot(t, "user_1")

			_, err := h.orch.Convert(context.Background(), Request{Payload: pngBytes(t), Mode: "text", AccountRef: "user_1"})
			require.Error(t, err)
			assert.Equal(t, KindExtractionFailed, KindOf(err))
			assert.Equal(t, before, h.snapshot(t, "user_1"))
		})
	}
}

func TestBackendMessageSurfaces(t *testing.T) {
	h := newHarness(t)
	h.ocr.err = errors.New("E301: image too blurry")

	_, err := h.orch.Convert(context.Background(), Request{Payload: pngBytes(t), Mode: "text"})
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Message, "image too blurry")
}

func TestCommitFailureLeavesNoCharge(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user_1", 5)
	h.ledger.commitErr = errors.New("store unavailable")
	before := h.snapshot(t, "user_1")

	_, err := h.orch.Convert(context.Background(), Request{Payload: pngBytes(t), Mode: "text", AccountRef: "user_1"})
	assert.Equal(t, KindCommitFailure, KindOf(err))
	assert.Equal(t, before, h.snapshot(t, "user_1"))

	_, err = h.orch.Convert(context.Background(), Request{Payload: pngBytes(t), Mode: "text"})
	assert.Equal(t, KindCommitFailure, KindOf(err))
}

func TestBalanceReadFailureChargesNothing(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user_1", 5)
	h.ledger.balanceErr = errors.New("store unavailable")
	before := h.snapshot(t, "user_1")

	_, err := h.orch.Convert(context.Background(), Request{Payload: pngBytes(t), Mode: "text", AccountRef: "user_1"})
	assert.Equal(t, KindCommitFailure, KindOf(err))
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Message, "nothing was charged")
	assert.Zero(t, h.ocr.calls.Load(), "backend is not called when the balance cannot be read")
	assert.Equal(t, before, h.snapshot(t, "user_1"))
}

func TestCommitSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user_1", 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.orch.ledger = &cancelOnCommit{Ledger: h.ledger, cancel: cancel}
	res, err := h.orch.Convert(ctx, Request{Payload: pngBytes(t), Mode: "text", AccountRef: "user_1"})
	require.NoError(t, err)
	assert.Equal(t, 4, *res.Balance)
}

// cancelOnCommit cancels the caller's context right before committing.
type cancelOnCommit struct {
	Ledger
	cancel context.CancelFunc
}

func (c *cancelOnCommit) TryDeductAndRecord(ctx context.Context, ref string, amount int, entry *storage.HistoryEntry) (int, error) {
	c.cancel()
	return c.Ledger.TryDeductAndRecord(ctx, ref, amount, entry)
}

func TestExactlyOnceCharge(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user_1", 10)

	steps := []struct {
		mode string
		cost int
	}{{"text", 1}, {"text-ai", 2}, {"code", 3}}
	for _, step := range steps {
		before := h.snapshot(t, "user_1")
		res, err := h.orch.Convert(context.Background(), Request{Payload: pngBytes(t), Mode: step.mode, AccountRef: "user_1"})
		require.NoError(t, err)
		after := h.snapshot(t, "user_1")

		assert.Equal(t, before.balance-step.cost, after.balance, step.mode)
		assert.Equal(t, before.history+1, after.history, step.mode)
		assert.Equal(t, after.balance, *res.Balance)
		assert.Equal(t, step.cost, res.CreditsCharged)
	}
}

func TestConcurrentConversionsNeverOverspend(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user_1", 10)
	h.gen.delay = 5 * time.Millisecond

	payload := pngBytes(t)
	const workers = 8
	var wg sync.WaitGroup
	var ok, insufficient atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Convert(context.Background(), Request{Payload: payload, Mode: "code", AccountRef: "user_1"})
			switch KindOf(err) {
			case "":
				ok.Add(1)
			case KindInsufficientCredits:
				insufficient.Add(1)
			default:
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok.Load())
	assert.Equal(t, int32(workers-3), insufficient.Load())
	snap := h.snapshot(t, "user_1")
	assert.Equal(t, 1, snap.balance)
	assert.Equal(t, 3, snap.history)
}

func TestMissingBackend(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user_1", 5)
	h.orch.generative = nil

	_, err := h.orch.Convert(context.Background(), Request{Payload: pngBytes(t), Mode: "code", AccountRef: "user_1"})
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}

func TestGeminiErrorMessage(t *testing.T) {
	h := newHarness(t)
	h.account(t, "user_1", 5)
	h.gen.err = &ai.GeminiError{Category: "rate_limit", StatusCode: 429, Message: "slow down"}

	_, err := h.orch.Convert(context.Background(), Request{Payload: pngBytes(t), Mode: "code", AccountRef: "user_1"})
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindExtractionFailed, cerr.Kind)
	assert.Equal(t, (&ai.GeminiError{Category: "rate_limit"}).Suggestion(), cerr.Message)
}
