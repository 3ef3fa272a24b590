package reconcile

import (
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp"}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Li: true, atom.Ul: true, atom.Ol: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Blockquote: true, atom.Pre: true, atom.Tr: true, atom.Table: true,
}

// CleanDescription converts catalog HTML to plain text. Links become
// "text URL" unless they point at an image, in which case the whole link is
// dropped.
func CleanDescription(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Img:
				return
			case atom.Br:
				b.WriteString("\n")
				return
			case atom.A:
				if href := strings.TrimSpace(attr(n, "href")); href != "" {
					writeLink(&b, n, href)
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.DataAtom] {
			b.WriteString("\n")
		}
	}
	walk(doc)
	return normalizeLines(b.String())
}

func writeLink(b *strings.Builder, n *html.Node, href string) {
	if isImageURL(href) {
		return
	}
	text := strings.Join(strings.Fields(textContent(n)), " ")
	switch {
	case text == "" || text == href:
		b.WriteString(href)
	default:
		b.WriteString(text + " " + href)
	}
}

func isImageURL(href string) bool {
	p := href
	if u, err := url.Parse(href); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	for _, e := range imageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

// normalizeLines trims every line and keeps at most one blank line between
// paragraphs.
func normalizeLines(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			blank = len(out) > 0
			continue
		}
		if blank {
			out = append(out, "")
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
