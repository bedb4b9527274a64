package convert

import (
	"fmt"
	"strings"

	"github.com/bosocmputer/image_wizard/internal/ai"
	"github.com/bosocmputer/image_wizard/internal/processor"
)

// Mode is the canonical conversion mode.
type Mode string

const (
	ModePlainOCR Mode = "plain-ocr"
	ModePDFOCR   Mode = "pdf-ocr"
	ModeAIText   Mode = "ai-text"
	ModeAICode   Mode = "ai-code"
)

// BackendKind selects the extraction backend family.
type BackendKind string

const (
	BackendOCR        BackendKind = "ocr"
	BackendGenerative BackendKind = "generative"
)

// ContentKind tells the client how to render the result.
type ContentKind string

const (
	ContentPlain      ContentKind = "plain"
	ContentStructured ContentKind = "structured-text"
	ContentCode       ContentKind = "code"
)

// ModeSpec is everything that depends on the mode. The table below is the
// only place costs, prompts and backend choices are defined.
type ModeSpec struct {
	Mode        Mode
	WireName    string
	Cost        int
	Backend     BackendKind
	Prompt      string
	ContentKind ContentKind
	Accepts     []processor.PayloadClass
	// HistoryType is the label stored with history entries.
	HistoryType  string
	Translatable bool
}

var modeTable = []ModeSpec{
	{
		Mode:        ModePlainOCR,
		WireName:    "text",
		Cost:        1,
		Backend:     BackendOCR,
		ContentKind: ContentStructured,
		Accepts:     []processor.PayloadClass{processor.ClassImage},
		HistoryType: "image-to-text",
	},
	{
		Mode:        ModePDFOCR,
		WireName:    "pdf-to-text",
		Cost:        3,
		Backend:     BackendOCR,
		ContentKind: ContentStructured,
		Accepts:     []processor.PayloadClass{processor.ClassPDF},
		HistoryType: "pdf-to-text",
	},
	{
		Mode:         ModeAIText,
		WireName:     "text-ai",
		Cost:         2,
		Backend:      BackendGenerative,
		Prompt:       ai.TextExtractionPrompt,
		ContentKind:  ContentStructured,
		Accepts:      []processor.PayloadClass{processor.ClassImage},
		HistoryType:  "image-to-text-ai",
		Translatable: true,
	},
	{
		Mode:        ModeAICode,
		WireName:    "code",
		Cost:        3,
		Backend:     BackendGenerative,
		Prompt:      ai.CodeExtractionPrompt,
		ContentKind: ContentCode,
		Accepts:     []processor.PayloadClass{processor.ClassImage},
		HistoryType: "image-to-code",
	},
}

// Modes returns the mode table in a stable order.
func Modes() []ModeSpec {
	out := make([]ModeSpec, len(modeTable))
	copy(out, modeTable)
	return out
}

// ParseMode accepts a wire name ("text", "pdf-to-text", "text-ai", "code")
// or a canonical mode name.
func ParseMode(s string) (ModeSpec, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, spec := range modeTable {
		if s == spec.WireName || s == string(spec.Mode) {
			return spec, nil
		}
	}
	return ModeSpec{}, fmt.Errorf("unknown mode %q (supported: text, pdf-to-text, text-ai, code)", s)
}

// RequiresAccount reports whether anonymous callers are refused.
func (s ModeSpec) RequiresAccount() bool {
	return s.Backend == BackendGenerative
}

func (s ModeSpec) accepts(class processor.PayloadClass) bool {
	for _, c := range s.Accepts {
		if c == class {
			return true
		}
	}
	return false
}
