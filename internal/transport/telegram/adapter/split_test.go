package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTextShortIsUnchanged(t *testing.T) {
	t.Parallel()
	got := splitText("hello\n", 10, "")
	if len(got) != 1 || got[0] != "hello\n" {
		t.Fatalf("splitText = %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	lines := []string{"- TW-1: due 2024-05-31", "- PG-7: due 2024-06-08", "- CAL-2: due 2024-06-14"}
	s := strings.Join(lines, "\n")
	got := splitText(s, 50, "")
	if len(got) != 2 {
		t.Fatalf("chunks = %q", got)
	}
	if got[0] != lines[0]+"\n"+lines[1] || got[1] != lines[2] {
		t.Fatalf("chunks = %q", got)
	}
}

func TestSplitTextHardCutsLongLines(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("é", 25)
	got := splitText(s, 10, "")
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	for _, c := range got {
		if n := utf8.RuneCountInString(c); n > 10 {
			t.Fatalf("chunk has %d runes", n)
		}
	}
	if strings.Join(got, "") != s {
		t.Fatal("chunks lost text")
	}
}

func TestSplitTextKeepsHTMLTagsWhole(t *testing.T) {
	t.Parallel()
	s := "abcdefg <b>bold</b>"
	got := splitText(s, 10, "HTML")
	if got[0] != "abcdefg " {
		t.Fatalf("first chunk = %q", got[0])
	}
	if strings.Join(got, "") != s {
		t.Fatalf("chunks = %q", got)
	}
}
