package debugger

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Section is one heading of an analysis and the Markdown under it.
type Section struct {
	Title string `json:"title"`
	Level int    `json:"level"`
	Body  string `json:"body"`
}

// Report is the final analysis split at its headings.
type Report struct {
	// Preamble is any text before the first heading.
	Preamble string    `json:"preamble,omitempty"`
	Sections []Section `json:"sections"`
}

var markdown = goldmark.New()

// ParseReport splits an analysis into sections at its top-level
// headings. Headings inside code blocks are not split on. Bodies are
// the original Markdown, trimmed.
func ParseReport(analysis string) Report {
	src := []byte(analysis)
	doc := markdown.Parser().Parse(text.NewReader(src))

	type heading struct {
		title     string
		level     int
		start     int // first byte of the heading line
		bodyStart int // first byte after it
	}
	var heads []heading
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			continue
		}
		lines := h.Lines()
		first, last := lines.At(0), lines.At(lines.Len()-1)
		start := bytes.LastIndexByte(src[:first.Start], '\n') + 1
		end := len(src)
		if i := bytes.IndexByte(src[last.Stop:], '\n'); i >= 0 {
			end = last.Stop + i + 1
		}
		heads = append(heads, heading{
			title:     strings.TrimSpace(string(h.Text(src))),
			level:     h.Level,
			start:     start,
			bodyStart: end,
		})
	}

	if len(heads) == 0 {
		return Report{Preamble: strings.TrimSpace(analysis)}
	}

	r := Report{Preamble: strings.TrimSpace(string(src[:heads[0].start]))}
	for i, h := range heads {
		stop := len(src)
		if i+1 < len(heads) {
			stop = heads[i+1].start
		}
		r.Sections = append(r.Sections, Section{
			Title: h.title,
			Level: h.level,
			Body:  strings.TrimSpace(string(src[h.bodyStart:stop])),
		})
	}
	return r
}

// Section returns the first section whose title matches, ignoring case.
func (r Report) Section(title string) (Section, bool) {
	for _, s := range r.Sections {
		if strings.EqualFold(s.Title, title) {
			return s, true
		}
	}
	return Section{}, false
}

// Titles lists section titles in order.
func (r Report) Titles() []string {
	out := make([]string, len(r.Sections))
	for i, s := range r.Sections {
		out[i] = s.Title
	}
	return out
}

// RenderHTML converts an analysis to an HTML fragment.
func RenderHTML(analysis string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(analysis), &buf); err != nil {
		return "", fmt.Errorf("render analysis: %w", err)
	}
	return buf.String(), nil
}
