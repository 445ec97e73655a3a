package extractor

import (
	"strings"
)

// nonContent lists elements stripped before reading page text.
const nonContent = "script, style, noscript, template, nav, header, footer, aside"

// ExtractPageText returns the visible body text with whitespace runs collapsed
// to single spaces, truncated to maxLength runes. It works on a copy of the
// body so the live document is left untouched.
func (e *Extractor) ExtractPageText(maxLength int) (text string) {
	if maxLength <= 0 {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Debug("Page text extraction failed")
			text = ""
		}
	}()

	root := e.find("body").First()
	if root.Length() == 0 {
		root = e.doc.Selection
	}
	clone := root.Clone()
	clone.Find(nonContent).Remove()

	return truncate(strings.Join(strings.Fields(clone.Text()), " "), maxLength)
}

func truncate(s string, maxLength int) string {
	runes := []rune(s)
	if len(runes) <= maxLength {
		return s
	}
	return strings.TrimSpace(string(runes[:maxLength]))
}
