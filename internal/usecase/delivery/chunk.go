package delivery

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Chunk is one transport-sized piece of an outbound message.
type Chunk struct {
	Index int // 1-based
	Count int
	Body  string
}

// Render returns the chunk as sent. Multi-part messages carry an "[i/n] " prefix.
func (c Chunk) Render() string {
	if c.Count <= 1 {
		return c.Body
	}
	return marker(c.Index, c.Count) + c.Body
}

func marker(i, n int) string {
	return fmt.Sprintf("[%d/%d] ", i, n)
}

var markerPattern = regexp.MustCompile(`^\[(\d+)/(\d+)\] `)

// ParseChunk recovers a Chunk from its rendered form.
// Text without a marker is a single-part message.
func ParseChunk(s string) Chunk {
	m := markerPattern.FindStringSubmatch(s)
	if m == nil {
		return Chunk{Index: 1, Count: 1, Body: s}
	}
	i, _ := strconv.Atoi(m[1])
	n, _ := strconv.Atoi(m[2])
	return Chunk{Index: i, Count: n, Body: s[len(m[0]):]}
}

// Reassemble concatenates chunk bodies in index order.
func Reassemble(chunks []Chunk) string {
	sorted := append([]Chunk(nil), chunks...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Index < sorted[b].Index })
	var b strings.Builder
	for _, c := range sorted {
		b.WriteString(c.Body)
	}
	return b.String()
}

// Split breaks text into chunks whose rendered length is at most maxRunes.
// Cuts prefer paragraph breaks, then sentence ends, then whitespace; a run of
// text with no break is cut hard. Bodies concatenate back to text exactly.
func Split(text string, maxRunes int) []Chunk {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return []Chunk{{Index: 1, Count: 1, Body: text}}
	}

	// The marker width depends on the chunk count; iterate until it is stable.
	count := 2
	for {
		limit := maxRunes - len([]rune(marker(count, count)))
		if limit < 1 {
			limit = 1
		}
		bodies := cut(runes, limit)
		if len(bodies) <= count || digits(len(bodies)) == digits(count) {
			out := make([]Chunk, len(bodies))
			for i, b := range bodies {
				out[i] = Chunk{Index: i + 1, Count: len(bodies), Body: b}
			}
			return out
		}
		count = len(bodies)
	}
}

func digits(n int) int { return len(strconv.Itoa(n)) }

func cut(runes []rune, limit int) []string {
	var out []string
	for start := 0; start < len(runes); {
		if len(runes)-start <= limit {
			out = append(out, string(runes[start:]))
			break
		}
		end := start + breakPoint(runes[start:start+limit])
		out = append(out, string(runes[start:end]))
		start = end
	}
	return out
}

// breakPoint returns the cut offset within window, in (0, len(window)].
func breakPoint(window []rune) int {
	// Paragraph boundary: cut after a blank line.
	for i := len(window) - 1; i > 0; i-- {
		if window[i] == '\n' && window[i-1] == '\n' {
			return i + 1
		}
	}
	// Sentence end followed by whitespace.
	for i := len(window) - 1; i > 0; i-- {
		if unicode.IsSpace(window[i]) && strings.ContainsRune(".!?\n", window[i-1]) {
			return i + 1
		}
	}
	// Any whitespace.
	for i := len(window) - 1; i > 0; i-- {
		if unicode.IsSpace(window[i]) {
			return i + 1
		}
	}
	return len(window)
}
