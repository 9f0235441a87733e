// Package extract splits a feed entry into an optional bracketed title and a
// body, and holds the normalisation applied to every dedup key.
package extract

import (
	"regexp"
	"strings"
	"time"
)

const (
	DefaultOpen  = "【"
	DefaultClose = "】"

	timestampLayout = "2006-01-02 15:04:05"
)

var (
	reWhitespace = regexp.MustCompile(`\s+`)

	timestampLayouts = []string{
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006/01/02 15:04:05",
		"2006/01/02 15:04",
	}
)

// Extractor finds title segments enclosed in a fixed delimiter pair.
type Extractor struct {
	re *regexp.Regexp
}

func New(open, closing string) *Extractor {
	if open == "" || closing == "" {
		open, closing = DefaultOpen, DefaultClose
	}
	return &Extractor{
		// non-greedy so adjacent segments stay separate; an opener without a
		// closer on the same line never matches and stays in the body.
		re: regexp.MustCompile(regexp.QuoteMeta(open) + `(.*?)` + regexp.QuoteMeta(closing)),
	}
}

// Extract returns the first segment's inner text, as is, as the title (nil
// when there is none) and the text with every segment removed as the
// normalised body.
func (e *Extractor) Extract(rawText string) (*string, string) {
	matches := e.re.FindAllStringSubmatchIndex(rawText, -1)
	if len(matches) == 0 {
		return nil, NormalizeSpace(rawText)
	}

	title := rawText[matches[0][2]:matches[0][3]]

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(rawText[last:m[0]])
		last = m[1]
	}
	b.WriteString(rawText[last:])

	return &title, NormalizeSpace(b.String())
}

// NormalizeSpace trims s and collapses internal whitespace runs to one space.
func NormalizeSpace(s string) string {
	return strings.TrimSpace(reWhitespace.ReplaceAllString(s, " "))
}

// NormalizeTimestamp re-renders known date-time layouts as
// "2006-01-02 15:04:05". Anything else (e.g. a bare "14:03:21") is kept as
// trimmed source-native text.
func NormalizeTimestamp(s string) string {
	s = NormalizeSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(timestampLayout)
		}
	}
	return s
}
