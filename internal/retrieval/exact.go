package retrieval

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/fyrsmithlabs/recalld/internal/memory"
)

// Match classes for exact search, best first. A phrase occurrence is
// the whole query delimited by word boundaries; whole-word means every
// query word appears as a word somewhere even though the contiguous
// occurrence runs into neighboring characters; anything else matched
// as a plain substring.
const (
	classPhrase = iota
	classWholeWord
	classSubstring
)

// Exact score composition. The class gaps exceed what position and
// recency can contribute, so a better class always outranks.
const (
	phraseBase    = 1.0
	wholeWordBase = 0.7
	substringBase = 0.4

	positionWindow = 512
	positionWeight = 0.2
	recencyWeight  = 0.08
)

// classifyMatch locates the query inside the content and classifies
// the occurrence. Position is the byte offset of the first occurrence;
// content without an occurrence classifies as a trailing substring.
func classifyMatch(content, query string) (class, position int) {
	c := strings.ToLower(content)
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return classSubstring, len(c)
	}
	idx := strings.Index(c, q)
	if idx < 0 {
		return classSubstring, len(c)
	}
	if boundedAt(c, idx, len(q)) {
		return classPhrase, idx
	}
	if allWholeWords(c, q) {
		return classWholeWord, idx
	}
	return classSubstring, idx
}

func isWordChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// boundedAt reports whether s[idx:idx+length] sits on word boundaries.
func boundedAt(s string, idx, length int) bool {
	if idx > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:idx])
		if isWordChar(r) {
			return false
		}
	}
	if end := idx + length; end < len(s) {
		r, _ := utf8.DecodeRuneInString(s[end:])
		if isWordChar(r) {
			return false
		}
	}
	return true
}

// allWholeWords reports whether every word of the query appears as a
// whole word in the content.
func allWholeWords(content, query string) bool {
	words := strings.FieldsFunc(query, func(r rune) bool { return !isWordChar(r) })
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if !containsWholeWord(content, w) {
			return false
		}
	}
	return true
}

func containsWholeWord(content, word string) bool {
	for from := 0; from <= len(content)-len(word); {
		idx := strings.Index(content[from:], word)
		if idx < 0 {
			return false
		}
		abs := from + idx
		if boundedAt(content, abs, len(word)) {
			return true
		}
		from = abs + 1
	}
	return false
}

// exactScore folds class, position, and recency into one comparable
// value for hybrid normalization.
func exactScore(class, position int, recency float64) float64 {
	base := substringBase
	switch class {
	case classPhrase:
		base = phraseBase
	case classWholeWord:
		base = wholeWordBase
	}
	positionScore := 1 - math.Min(1, float64(position)/positionWindow)
	return base + positionWeight*positionScore + recencyWeight*recency
}

// rankExact orders rows by match class, then match position, then
// recency. Each result carries the folded exact score.
func rankExact(rows []*memory.Memory, query string, now time.Time) []Result {
	type ranked struct {
		result   Result
		class    int
		position int
	}

	items := make([]ranked, 0, len(rows))
	for _, m := range rows {
		class, position := classifyMatch(m.Content, query)
		recency := recencyScore(now, m.LastAccessedAt)
		items = append(items, ranked{
			result: Result{
				Memory:  m,
				Score:   exactScore(class, position, recency),
				Signals: Signals{Recency: recency},
			},
			class:    class,
			position: position,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].class != items[j].class {
			return items[i].class < items[j].class
		}
		if items[i].position != items[j].position {
			return items[i].position < items[j].position
		}
		ti, tj := items[i].result.Memory.LastAccessedAt, items[j].result.Memory.LastAccessedAt
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return items[i].result.Memory.ID < items[j].result.Memory.ID
	})

	out := make([]Result, len(items))
	for i, it := range items {
		out[i] = it.result
	}
	return out
}
