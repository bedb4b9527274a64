// prompts.go - Centralized prompt templates for the generative backend
package ai

import "fmt"

// ============================================================================
// 📋 SECTION 1: EXTRACTION PROMPTS
// ============================================================================

// CodeExtractionPrompt asks for raw source code with indentation preserved.
// The fence instruction is not always honored, so the output still goes
// through code-fence stripping.
const CodeExtractionPrompt = "Extract the code from this image and return only the raw code text as it appears in the image, " +
	"with proper indentation and syntax preserved. Do not include any Markdown formatting, code block markers (like ```), " +
	"language identifiers (like ```typescript), or any additional explanations. " +
	"If no code is present, return the plain text formatted as Markdown with proper headings, lists, and paragraphs."

// TextExtractionPrompt asks for the image text as Markdown.
const TextExtractionPrompt = "Extract the text from this image and format it as well-structured Markdown. " +
	"Use headings, lists, and paragraphs as appropriate. " +
	"For key-value pairs (e.g., 'Key: Value'), format them as a Markdown list using '- **Key:** Value'. " +
	"Ensure proper Markdown syntax for lists, tables, and headings. Do not add any extra explanations."

// ============================================================================
// 🌐 SECTION 2: TRANSLATION
// ============================================================================

// TranslationPrompt builds the translation request for a full language name.
func TranslationPrompt(targetLanguage, text string) string {
	return fmt.Sprintf("Translate the following text to %s. "+
		"Return only the translated text without any additional explanations or formatting:\n\n%s", targetLanguage, text)
}
