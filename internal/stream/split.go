package stream

import (
	"strings"
	"unicode/utf8"
)

// Split breaks text into pieces of at most limit bytes. Pieces end on line
// boundaries; a single line longer than limit is cut on a rune boundary.
// Joining the pieces yields text again.
func Split(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}

	for len(text) > 0 {
		var line string
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			line, text = text[:i+1], text[i+1:]
		} else {
			line, text = text, ""
		}

		if cur.Len()+len(line) <= limit {
			cur.WriteString(line)
			continue
		}
		flush()
		for len(line) > limit {
			cut := cutPoint(line, limit)
			out = append(out, line[:cut])
			line = line[cut:]
		}
		cur.WriteString(line)
	}
	flush()
	return out
}

// cutPoint returns the largest index <= limit that starts a rune, never 0.
func cutPoint(s string, limit int) int {
	i := limit
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	if i == 0 {
		// limit is smaller than the first rune; take the whole rune.
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return i
}
