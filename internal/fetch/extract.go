package fetch

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// dropped elements never contribute text.
var dropped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Aside:    true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Form:     true,
	atom.Button:   true,
}

// extract parses an HTML document and returns its title and readable
// text. Headings become "#" lines and <pre> blocks keep their
// original line structure so stack traces and code samples survive.
func extract(raw []byte) (string, string) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", tidy(string(raw))
	}

	w := &textWriter{}
	root := doc
	if main := findFirst(doc, atom.Main); main != nil {
		root = main
	} else if article := findFirst(doc, atom.Article); article != nil {
		root = article
	}
	w.walk(root)

	title := ""
	if t := findFirst(doc, atom.Title); t != nil {
		title = strings.Join(strings.Fields(textOf(t)), " ")
	}
	return title, tidy(w.String())
}

type textWriter struct {
	strings.Builder
}

func (w *textWriter) block() {
	if w.Len() > 0 {
		w.WriteString("\n\n")
	}
}

func (w *textWriter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
			w.WriteString(s)
			w.WriteByte(' ')
		}
		return
	case html.ElementNode:
		if dropped[n.DataAtom] {
			return
		}
		switch n.DataAtom {
		case atom.Pre:
			w.block()
			w.WriteString(preMarker)
			w.WriteString(strings.Trim(textOf(n), "\n"))
			w.WriteString(preMarker)
			w.block()
			return
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			w.block()
			level := int(n.Data[1] - '0')
			w.WriteString(strings.Repeat("#", level) + " ")
		case atom.Li:
			w.WriteString("\n- ")
		case atom.Br, atom.Tr:
			w.WriteByte('\n')
		default:
			if isBlock(n.DataAtom) {
				w.block()
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.Blockquote, atom.Ul, atom.Ol, atom.Table, atom.Dl,
		atom.Dt, atom.Dd, atom.Figure, atom.Figcaption,
		atom.Details, atom.Summary, atom.Hr:
		return true
	}
	return false
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, a); found != nil {
			return found
		}
	}
	return nil
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textOf(c))
	}
	return b.String()
}

// preMarker fences preformatted text so tidy leaves it alone.
const preMarker = "\x00"

// tidy collapses whitespace outside preformatted sections and drops
// runs of blank lines.
func tidy(s string) string {
	var out []string
	blank := false
	emit := func(line string) {
		if line == "" {
			if blank || len(out) == 0 {
				return
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}

	for i, part := range strings.Split(s, preMarker) {
		if i%2 == 1 {
			for _, line := range strings.Split(part, "\n") {
				emit(strings.TrimRight(line, " \t\r"))
			}
			continue
		}
		for _, line := range strings.Split(part, "\n") {
			emit(strings.Join(strings.Fields(line), " "))
		}
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
