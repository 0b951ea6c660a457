// Package chunker splits extracted document text into chunks bounded by a token budget.
package chunker

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type Chunker struct {
	tokenizer Tokenizer
	maxTokens int
}

func New(tokenizer Tokenizer, maxTokens int) (*Chunker, error) {
	if tokenizer == nil {
		return nil, fmt.Errorf("tokenizer is nil")
	}
	if maxTokens <= 0 {
		return nil, fmt.Errorf("max tokens must be positive, got %d", maxTokens)
	}
	return &Chunker{tokenizer: tokenizer, maxTokens: maxTokens}, nil
}

func (c *Chunker) MaxTokens() int {
	return c.maxTokens
}

func (c *Chunker) Chunk(text string) []string {
	return Split(text, c.maxTokens, c.tokenizer)
}

type splitFunc func(string) []string

// levels are tried coarsest first. Every split function returns pieces whose
// concatenation is exactly its input.
var levels = []splitFunc{
	splitAfterString("\n\n"),
	splitAfterString("\n"),
	splitAfterRunes(".!?…"),
	splitAfterRunes(",;:"),
	splitWords,
	splitRunes,
}

// Split cuts text into trimmed, non-empty chunks of at most maxTokens tokens
// each. Boundaries prefer paragraph breaks, then line breaks, sentence ends,
// clause punctuation and whitespace; a word longer than the budget is cut
// between runes. A single rune that alone exceeds the budget is returned as
// its own chunk.
func Split(text string, maxTokens int, tokenizer Tokenizer) []string {
	if strings.TrimSpace(text) == "" || tokenizer == nil || maxTokens <= 0 {
		return []string{}
	}
	s := splitter{tokenizer: tokenizer, max: maxTokens}
	return s.split(text, 0, make([]string, 0))
}

type splitter struct {
	tokenizer Tokenizer
	max       int
}

func (s splitter) fits(text string) bool {
	return s.tokenizer.Count(strings.TrimSpace(text)) <= s.max
}

func (s splitter) split(text string, level int, out []string) []string {
	if s.fits(text) {
		return appendTrimmed(out, text)
	}
	if level >= len(levels) {
		// a single rune over budget
		return appendTrimmed(out, text)
	}

	pieces := levels[level](text)
	if len(pieces) <= 1 {
		return s.split(text, level+1, out)
	}

	var current strings.Builder
	for _, piece := range pieces {
		if !s.fits(piece) {
			out = appendTrimmed(out, current.String())
			current.Reset()
			out = s.split(piece, level+1, out)
			continue
		}

		if current.Len() > 0 && !s.fits(current.String()+piece) {
			out = appendTrimmed(out, current.String())
			current.Reset()
		}
		current.WriteString(piece)
	}
	return appendTrimmed(out, current.String())
}

func appendTrimmed(out []string, text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return out
	}
	return append(out, trimmed)
}

func splitAfterString(sep string) splitFunc {
	return func(text string) []string {
		return strings.SplitAfter(text, sep)
	}
}

// splitAfterRunes cuts after any rune in set that is followed by whitespace or
// the end of the text, so "3.14" and "e.g." inside a word stay intact.
func splitAfterRunes(set string) splitFunc {
	return func(text string) []string {
		pieces := make([]string, 0)
		start := 0
		for i, r := range text {
			if !strings.ContainsRune(set, r) {
				continue
			}
			end := i + utf8.RuneLen(r)
			if end < len(text) {
				next, _ := utf8.DecodeRuneInString(text[end:])
				if !unicode.IsSpace(next) {
					continue
				}
			}
			pieces = append(pieces, text[start:end])
			start = end
		}
		if start < len(text) {
			pieces = append(pieces, text[start:])
		}
		return pieces
	}
}

// splitWords returns each word together with the whitespace that follows it.
func splitWords(text string) []string {
	pieces := make([]string, 0)
	start := 0
	inSpace := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if inSpace && !space {
			pieces = append(pieces, text[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(text) {
		pieces = append(pieces, text[start:])
	}
	return pieces
}

func splitRunes(text string) []string {
	pieces := make([]string, 0, utf8.RuneCountInString(text))
	for len(text) > 0 {
		_, size := utf8.DecodeRuneInString(text)
		pieces = append(pieces, text[:size])
		text = text[size:]
	}
	return pieces
}
