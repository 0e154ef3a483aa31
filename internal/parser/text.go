package parser

import (
	"io"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	blankRuns    = regexp.MustCompile(`\n{3,}`)
	quoteHeaders = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*on\s.+wrote:\s*$`),
		regexp.MustCompile(`(?i)^\s*-{2,}\s*original message\s*-{2,}\s*$`),
		regexp.MustCompile(`(?i)^\s*am\s.+schrieb.*:\s*$`),
	}
	forwardFrom   = regexp.MustCompile(`(?i)^\s*from:\s.+$`)
	forwardFields = regexp.MustCompile(`(?i)^\s*(sent|date|subject|to|cc):\s`)
)

// Elements whose content is never shown.
var hiddenElements = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Title:    true,
	atom.Template: true,
}

// Elements that end a line of text.
var blockElements = map[atom.Atom]bool{
	atom.Br: true, atom.P: true, atom.Div: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Blockquote: true, atom.Pre: true, atom.Table: true, atom.Ul: true, atom.Ol: true, atom.Hr: true,
}

// HTMLToText reduces an HTML body to readable plain text.
func HTMLToText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	hidden := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return strings.TrimSpace(s)
			}
			return tidyLines(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if hiddenElements[a] {
				if tt == html.StartTagToken {
					hidden++
				}
				continue
			}
			if blockElements[a] {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if hiddenElements[a] {
				if hidden > 0 {
					hidden--
				}
				continue
			}
			if blockElements[a] {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if hidden > 0 {
				continue
			}
			text := string(z.Text())
			if words := strings.Fields(text); len(words) > 0 {
				if startsWithSpace(text) {
					b.WriteByte(' ')
				}
				b.WriteString(strings.Join(words, " "))
				if endsWithSpace(text) {
					b.WriteByte(' ')
				}
			}
		}
	}
}

func startsWithSpace(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsSpace(r)
}

func endsWithSpace(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return unicode.IsSpace(r)
}

func tidyLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankRuns.ReplaceAllString(s, "\n\n"))
}

// TrimQuoted drops quoted reply history. A body that is only a quote is kept whole.
func TrimQuoted(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	lines := strings.Split(body, "\n")
	kept := make([]string, 0, len(lines))
	for i, line := range lines {
		if isQuoteHeader(lines, i) {
			break
		}
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.TrimSpace(strings.Join(kept, "\n"))
	if out == "" {
		return strings.TrimSpace(body)
	}
	return out
}

func isQuoteHeader(lines []string, i int) bool {
	for _, re := range quoteHeaders {
		if re.MatchString(lines[i]) {
			return true
		}
	}
	if !forwardFrom.MatchString(lines[i]) {
		return false
	}
	// A "From:" line opens quoted history only when a header block follows it.
	for _, next := range lines[i+1 : min(i+4, len(lines))] {
		if forwardFields.MatchString(next) {
			return true
		}
	}
	return false
}
