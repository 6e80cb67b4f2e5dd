package collector

import (
	"strings"

	"golang.org/x/net/html"
)

// referenceAttrs are attributes that commonly point at scripts
var referenceAttrs = map[string]bool{
	"src": true, "href": true, "data-script": true, "action": true,
}

// extractHTMLReferences parses an HTML manifest and returns its text plus
// script-bearing attribute values, one per line, with entities decoded.
// Unparseable input is returned unchanged.
func extractHTMLReferences(htmlContent string) string {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return htmlContent
	}

	var sb strings.Builder
	var extract func(*html.Node)

	extract = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			for _, attr := range n.Attr {
				if referenceAttrs[attr.Key] && attr.Val != "" {
					sb.WriteString(attr.Val)
					sb.WriteString("\n")
				}
			}
		case html.TextNode:
			// script and style bodies are text nodes too and may invoke other scripts
			text := strings.TrimSpace(n.Data)
			if text != "" {
				sb.WriteString(text)
				sb.WriteString("\n")
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}

	extract(doc)
	return sb.String()
}
