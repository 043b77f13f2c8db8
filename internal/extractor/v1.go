package extractor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Version1 is the identifier of the built-in extraction logic.
const Version1 = "v1"

// V1Document is the structured record the v1 extractor produces from a
// snapshot's cleaned DOM. The DOM has scripts, styles and ad containers
// already removed, so the markdown body reflects the content the clean
// hash was computed over.
type V1Document struct {
	Title     string      `json:"title,omitempty"`
	Headings  []V1Heading `json:"headings,omitempty"`
	Links     []V1Link    `json:"links,omitempty"`
	Markdown  string      `json:"markdown"`
	WordCount int         `json:"word_count"`
}

// V1Heading is one h1..h6 element.
type V1Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// V1Link is one anchor with a non-empty href.
type V1Link struct {
	Href string `json:"href"`
	Text string `json:"text,omitempty"`
}

var v1policy = bluemonday.UGCPolicy()

// ExtractV1 parses the cleaned DOM and emits title, headings, links and a
// sanitized markdown rendition of the body.
func ExtractV1(dom []byte) (json.RawMessage, error) {
	root, err := html.Parse(bytes.NewReader(dom))
	if err != nil {
		return nil, fmt.Errorf("extractor: parse dom: %w", err)
	}

	var doc V1Document
	walkV1(root, &doc)

	// Sanitize before conversion: the worker strips noise tags for hashing,
	// but extractor input may come from older captures with a wider tag set.
	safe := v1policy.SanitizeBytes(dom)
	md, err := htmltomarkdown.ConvertString(string(safe))
	if err != nil {
		return nil, fmt.Errorf("extractor: markdown: %w", err)
	}
	doc.Markdown = strings.TrimSpace(md)
	doc.WordCount = len(strings.Fields(doc.Markdown))

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("extractor: marshal: %w", err)
	}
	return out, nil
}

func walkV1(n *html.Node, doc *V1Document) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Title:
			if doc.Title == "" {
				doc.Title = nodeText(n)
			}
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			doc.Headings = append(doc.Headings, V1Heading{
				Level: int(n.Data[1] - '0'),
				Text:  nodeText(n),
			})
		case atom.A:
			for _, a := range n.Attr {
				if strings.EqualFold(a.Key, "href") && a.Val != "" {
					doc.Links = append(doc.Links, V1Link{Href: a.Val, Text: nodeText(n)})
					break
				}
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkV1(c, doc)
	}
}

// nodeText concatenates all descendant text with whitespace collapsed.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
