package adapter

import (
	"strings"
	"unicode/utf8"
)

// textLimit stays under the Bot API's 4096 character message cap.
const textLimit = 4000

// splitText cuts s into chunks of at most limit runes. A cut prefers the
// last newline in the window unless that leaves a chunk under a third of
// the limit. With HTML parse mode a cut never lands inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, "HTML")
	rs := []rune(s)
	var out []string
	for len(rs) > 0 {
		end := min(limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
			if html {
				if open := lastUnclosedTag(rs[:end]); open > 1 {
					end = open
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		rs = rs[end:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	if len(out) == 0 {
		return []string{""}
	}
	return out
}

// lastUnclosedTag returns the index of a '<' with no matching '>' after
// it, or -1.
func lastUnclosedTag(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		switch rs[i] {
		case '>':
			return -1
		case '<':
			return i
		}
	}
	return -1
}
