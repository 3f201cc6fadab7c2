package channels

import (
	"strings"
	"unicode/utf8"
)

// ChunkFunc splits text into pieces of at most limit runes.
type ChunkFunc func(text string, limit int) []string

// Outbound holds an adapter's text splitting settings.
type Outbound struct {
	TextChunkLimit  int
	Chunker         ChunkFunc
	DisableChunking bool
}

// Chunks splits text according to the settings. Empty text yields nil.
func (o Outbound) Chunks(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if o.DisableChunking || o.TextChunkLimit <= 0 {
		return []string{text}
	}
	chunker := o.Chunker
	if chunker == nil {
		chunker = SplitText
	}
	return chunker(text, o.TextChunkLimit)
}

// boundaries are tried in order; the first one found inside the window wins.
var boundaries = [][]string{
	{"\n\n"},
	{"\n"},
	{". ", "! ", "? "},
	{" "},
}

// SplitText splits text at paragraph, line, sentence or word boundaries so
// that no chunk exceeds limit runes. Words longer than limit are cut hard.
func SplitText(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	rest := text
	for rest != "" {
		if utf8.RuneCountInString(rest) <= limit {
			if strings.TrimSpace(rest) != "" {
				chunks = append(chunks, rest)
			}
			break
		}

		// one rune of lookahead so a boundary right after the limit counts
		window := rest[:byteOffset(rest, limit+1)]
		cut := findBoundary(window)
		if cut <= 0 {
			cut = byteOffset(rest, limit)
		}

		chunk := strings.TrimRight(rest[:cut], " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = strings.TrimLeft(rest[cut:], " \n")
	}
	return chunks
}

// findBoundary returns the byte offset just past the last preferred boundary
// in window, or 0 when none exists.
func findBoundary(window string) int {
	for _, group := range boundaries {
		best := 0
		for _, delim := range group {
			idx := strings.LastIndex(window, delim)
			if idx <= 0 {
				continue
			}
			if end := idx + len(delim); end > best {
				best = end
			}
		}
		if best > 0 {
			return best
		}
	}
	return 0
}

// byteOffset returns the byte index of the n-th rune of s.
func byteOffset(s string, n int) int {
	i := 0
	for pos := range s {
		if i == n {
			return pos
		}
		i++
	}
	return len(s)
}
