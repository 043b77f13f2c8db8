// Package fingerprint computes the two content hashes that drive change
// detection: content_hash over the raw response bytes, and clean_hash over a
// canonical feature stream extracted from the DOM after noise removal.
//
// The clean hash is deterministic: identical input bytes and identical
// configuration produce a bit-identical hash across runs and hosts. The
// configuration (stripped tags, ad selectors, retained attributes) is an
// implicit fingerprinter version; changing it makes stored hashes
// incomparable.
package fingerprint

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

// ErrNotDecodable is returned when the input cannot be decoded to UTF-8
// after charset detection. It is the fingerprinter's only failure mode;
// malformed HTML parses leniently and still hashes.
var ErrNotDecodable = errors.New("fingerprint: input not decodable as UTF-8")

// Config selects the noise to remove and the attributes that survive into
// the feature stream.
type Config struct {
	StripTags    []string
	AdSelectors  []string
	ExtractAttrs []string
}

// Result is the output of one fingerprinting run.
type Result struct {
	ContentHash string // sha1 over the raw input bytes
	CleanHash   string // sha1 over the canonical feature stream
	CleanedDOM  []byte // the post-strip tree rendered back to HTML
}

// Fingerprinter is a pure function object; safe for concurrent use.
type Fingerprinter struct {
	strip     map[string]bool
	attrs     map[string]bool
	selectors []selector
}

// New builds a Fingerprinter from cfg. Selector strings outside the
// supported forms (.class, #id, [attr*='substring']) are an error.
func New(cfg Config) (*Fingerprinter, error) {
	f := &Fingerprinter{
		strip: make(map[string]bool, len(cfg.StripTags)),
		attrs: make(map[string]bool, len(cfg.ExtractAttrs)),
	}
	for _, t := range cfg.StripTags {
		f.strip[strings.ToLower(t)] = true
	}
	for _, a := range cfg.ExtractAttrs {
		f.attrs[strings.ToLower(a)] = true
	}
	for _, s := range cfg.AdSelectors {
		sel, err := parseSelector(s)
		if err != nil {
			return nil, err
		}
		f.selectors = append(f.selectors, sel)
	}
	return f, nil
}

// Fingerprint hashes raw HTML bytes. The content hash covers the bytes as
// received; the clean hash covers the canonical feature stream of the
// noise-stripped tree.
func (f *Fingerprinter) Fingerprint(raw []byte) (*Result, error) {
	contentHash := hashHex(raw)

	decoded, err := decodeUTF8(raw)
	if err != nil {
		return nil, err
	}

	// The html parser recovers a tree from arbitrary input; it only fails
	// on reader errors, which cannot happen on a bytes.Reader.
	doc, err := html.Parse(bytes.NewReader(decoded))
	if err != nil {
		return nil, fmt.Errorf("fingerprint: parse: %w", err)
	}

	f.prune(doc)

	var stream bytes.Buffer
	f.emit(doc, &stream)

	var dom bytes.Buffer
	if err := html.Render(&dom, doc); err != nil {
		return nil, fmt.Errorf("fingerprint: render: %w", err)
	}

	return &Result{
		ContentHash: contentHash,
		CleanHash:   hashHex(stream.Bytes()),
		CleanedDOM:  dom.Bytes(),
	}, nil
}

// prune removes stripped tags and ad containers, mutating the tree.
func (f *Fingerprinter) prune(n *html.Node) {
	var doomed []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && f.isNoise(c) {
			doomed = append(doomed, c)
		}
	}
	for _, c := range doomed {
		n.RemoveChild(c)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		f.prune(c)
	}
}

func (f *Fingerprinter) isNoise(n *html.Node) bool {
	if f.strip[strings.ToLower(n.Data)] {
		return true
	}
	for _, sel := range f.selectors {
		if sel.matches(n) {
			return true
		}
	}
	return false
}

// emit writes one record per surviving element, in document order:
// tag, retained attributes as k=v sorted lexicographically, and the
// element's direct text children with whitespace collapsed.
func (f *Fingerprinter) emit(n *html.Node, w *bytes.Buffer) {
	if n.Type == html.ElementNode {
		w.WriteString(sanitizeField(n.Data))
		w.WriteByte('\t')

		var pairs []string
		for _, a := range n.Attr {
			key := strings.ToLower(a.Key)
			if f.attrs[key] {
				pairs = append(pairs, key+"="+a.Val)
			}
		}
		sort.Strings(pairs)
		w.WriteString(sanitizeField(strings.Join(pairs, " ")))
		w.WriteByte('\t')

		var texts []string
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				if t := collapseSpace(c.Data); t != "" {
					texts = append(texts, t)
				}
			}
		}
		w.WriteString(sanitizeField(strings.Join(texts, " ")))
		w.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		f.emit(c, w)
	}
}

// decodeUTF8 converts raw bytes to UTF-8. Valid UTF-8 passes through
// untouched (the browser serializes the DOM as UTF-8); anything else goes
// through charset detection (BOM, meta tags). Input that survives detection
// but still is not valid UTF-8 is rejected.
func decodeUTF8(raw []byte) ([]byte, error) {
	if utf8.Valid(raw) {
		return raw, nil
	}
	r, err := charset.NewReader(bytes.NewReader(raw), "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDecodable, err)
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDecodable, err)
	}
	if !utf8.Valid(decoded) {
		return nil, ErrNotDecodable
	}
	return decoded, nil
}

// collapseSpace folds runs of space, tab and newline into single spaces and
// trims the ends.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// sanitizeField keeps the one-record-per-line framing honest: field content
// must not contain the tab and newline delimiters.
func sanitizeField(s string) string {
	if !strings.ContainsAny(s, "\t\n\r") {
		return s
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r':
			return ' '
		}
		return r
	}, s)
}

func hashHex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}
