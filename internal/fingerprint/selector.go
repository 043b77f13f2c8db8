package fingerprint

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// selector matches an element against one ad-container pattern. Three forms
// cover the configured noise selectors: class token (.ad), id (#banner) and
// attribute substring ([id*='ad-']).
type selector interface {
	matches(n *html.Node) bool
}

var attrContainsRe = regexp.MustCompile(`^\[([a-zA-Z-]+)\*='([^']+)'\]$`)

func parseSelector(s string) (selector, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "."):
		name := s[1:]
		if name == "" {
			return nil, fmt.Errorf("fingerprint: empty class selector %q", s)
		}
		return classSelector(name), nil
	case strings.HasPrefix(s, "#"):
		name := s[1:]
		if name == "" {
			return nil, fmt.Errorf("fingerprint: empty id selector %q", s)
		}
		return idSelector(name), nil
	default:
		m := attrContainsRe.FindStringSubmatch(s)
		if m == nil {
			return nil, fmt.Errorf("fingerprint: unsupported selector %q (want .class, #id or [attr*='v'])", s)
		}
		return attrContains{key: strings.ToLower(m[1]), substr: m[2]}, nil
	}
}

// classSelector matches when the class attribute contains the name as a
// whitespace-separated token.
type classSelector string

func (cs classSelector) matches(n *html.Node) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, "class") {
			for _, token := range strings.Fields(a.Val) {
				if token == string(cs) {
					return true
				}
			}
		}
	}
	return false
}

// idSelector matches on an exact id attribute value.
type idSelector string

func (is idSelector) matches(n *html.Node) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, "id") && a.Val == string(is) {
			return true
		}
	}
	return false
}

// attrContains matches when the named attribute's value contains the
// substring.
type attrContains struct {
	key    string
	substr string
}

func (ac attrContains) matches(n *html.Node) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, ac.key) && strings.Contains(a.Val, ac.substr) {
			return true
		}
	}
	return false
}
