// Package simplify reduces raw page HTML to the content that matters
// for extraction, cutting the token count before the parse stage sends
// it to the model.
package simplify

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
)

// Dropped wholesale: no list content ever lives in these.
var dropSelectors = []string{
	"script", "style", "noscript", "iframe", "svg", "canvas",
	"nav", "header", "footer", "aside", "form", "button", "input",
}

// Attributes worth keeping on surviving elements.
var keepAttrs = map[string]bool{
	"href": true,
}

// HTML strips chrome, scripts, and presentation attributes from a
// page, returning markup small enough to feed to extraction. The
// original is never modified; callers keep it for re-parsing.
func HTML(raw string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", eris.Wrap(err, "simplify: parse html")
	}

	for _, sel := range dropSelectors {
		doc.Find(sel).Remove()
	}

	// Comments carry ad markers and CMS noise.
	removeComments(doc)

	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		for _, node := range s.Nodes {
			kept := node.Attr[:0]
			for _, attr := range node.Attr {
				if keepAttrs[attr.Key] {
					kept = append(kept, attr)
				}
			}
			node.Attr = kept
		}
	})

	body := doc.Find("body")
	if body.Length() == 0 {
		return "", eris.New("simplify: document has no body")
	}

	out, err := body.Html()
	if err != nil {
		return "", eris.Wrap(err, "simplify: render html")
	}
	return collapseBlankLines(out), nil
}

func removeComments(doc *goquery.Document) {
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			if c.Type == html.CommentNode {
				n.RemoveChild(c)
			} else {
				walk(c)
			}
			c = next
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
