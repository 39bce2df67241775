package thinktag

import "testing"

func TestQuoteStateUpdate(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		inside bool
	}{
		{"plain text", "hello world", false},
		{"unterminated double quote", `say "hello`, true},
		{"terminated double quote", `say "hello"`, false},
		{"unterminated backtick", "run `ls", true},
		{"triple backtick fence open", "```go", true},
		{"triple backtick fence closed", "```go\ncode\n```", false},
		{"escaped quote does not toggle", `say \"hello`, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			q := &QuoteState{}
			q.Update(c.text)
			if got := q.InsideQuotes(); got != c.inside {
				t.Fatalf("InsideQuotes() = %v, want %v", got, c.inside)
			}
		})
	}
}

func TestFindRealTagSkipsQuotedOccurrences(t *testing.T) {
	q := &QuoteState{}
	text := `the string "<thinking>" is just an example, but <thinking> is real`
	idx := FindRealTag(text, StartTag, 0, q)
	want := len(`the string "<thinking>" is just an example, but `)
	if idx != want {
		t.Fatalf("FindRealTag() = %d, want %d", idx, want)
	}
}

func TestFindRealTagNoMatch(t *testing.T) {
	q := &QuoteState{}
	if idx := FindRealTag("no tags here", StartTag, 0, q); idx != -1 {
		t.Fatalf("FindRealTag() = %d, want -1", idx)
	}
}

func TestFindRealTagAllOccurrencesQuoted(t *testing.T) {
	q := &QuoteState{}
	text := "`<thinking>` is mentioned only inside code"
	if idx := FindRealTag(text, StartTag, 0, q); idx != -1 {
		t.Fatalf("FindRealTag() = %d, want -1 (only quoted occurrence)", idx)
	}
}

func TestPendingTagSuffix(t *testing.T) {
	cases := []struct {
		name   string
		buffer string
		tag    string
		want   int
	}{
		{"no overlap", "hello", StartTag, 0},
		{"full tag minus last char", "<thinking", StartTag, len("<thinking")},
		{"single char overlap", "<", StartTag, 1},
		{"empty buffer", "", StartTag, 0},
		{"buffer longer than tag, suffix still partial", "some text <thin", StartTag, len("<thin")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := PendingTagSuffix(c.buffer, c.tag); got != c.want {
				t.Fatalf("PendingTagSuffix(%q, %q) = %d, want %d", c.buffer, c.tag, got, c.want)
			}
		})
	}
}

func TestQuoteStateResetsAcrossThinkingBlock(t *testing.T) {
	q := &QuoteState{}
	q.Update(`opening "quote that never closes`)
	if !q.InsideQuotes() {
		t.Fatalf("expected to be inside quotes before reset")
	}
	q.Reset()
	if q.InsideQuotes() {
		t.Fatalf("expected Reset to clear nesting")
	}
}
