package knowledge

import (
	"strings"
	"unicode"
)

// Chunker splits documents into overlapping rune windows, cutting at the
// last paragraph break, sentence end, or whitespace in the second half of
// each window when one exists.
type Chunker struct {
	size    int
	overlap int
}

func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split returns the non-empty, trimmed chunks of text in order.
func (c *Chunker) Split(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= c.size {
		return []string{string(runes)}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + c.size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = breakPoint(runes, start+c.size/2, end)
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= len(runes) {
			break
		}

		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// breakPoint returns the preferred cut position in runes[lo:hi], or hi.
func breakPoint(runes []rune, lo, hi int) int {
	for i := hi - 1; i > lo; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}
	for i := hi - 1; i > lo; i-- {
		switch runes[i-1] {
		case '.', '!', '?':
			if unicode.IsSpace(runes[i]) {
				return i + 1
			}
		}
	}
	for i := hi - 1; i > lo; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return hi
}
