package htmldoc

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/uipatch/patch"
)

// MatchFragment parses markup as the content of a detached <div> and
// returns the fragment elements selector could match once the fragment is
// inserted into a document. Conditions on ancestors above the fragment
// are assumed to hold, since the insertion point is not known. For XPath
// only the last step is checked.
func MatchFragment(selector, markup string) ([]patch.Element, error) {
	sel, err := Compile(selector)
	if err != nil {
		return nil, err
	}
	scope := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(markup), scope)
	if err != nil {
		return nil, fmt.Errorf("htmldoc: parse fragment: %w", err)
	}
	for _, n := range nodes {
		scope.AppendChild(n)
	}

	var match func(*html.Node) bool
	switch s := sel.(type) {
	case *cssSelector:
		match = func(n *html.Node) bool {
			for _, parts := range s.alts {
				if matchOpen(parts, len(parts)-1, n, scope) {
					return true
				}
			}
			return false
		}
	case *xpathSelector:
		last := s.steps[len(s.steps)-1]
		match = func(n *html.Node) bool { return matchesXPathStep(n, last) }
	default:
		return nil, fmt.Errorf("htmldoc: unsupported selector %T", sel)
	}

	doc := &Document{root: scope}
	var out []patch.Element
	for c := scope.FirstChild; c != nil; c = c.NextSibling {
		walk(c, func(n *html.Node) {
			if n.Type == html.ElementNode && match(n) {
				out = append(out, &Element{doc: doc, n: n})
			}
		})
	}
	return out, nil
}

// matchOpen is matchAt for a fragment under scope: once the walk reaches
// scope, the remaining parts may still match real ancestors.
func matchOpen(parts []complexPart, i int, n, scope *html.Node) bool {
	if !parts[i].sel.match(n) {
		return false
	}
	if i == 0 {
		return true
	}
	p := n.Parent
	if p == nil || p == scope {
		return true
	}
	if parts[i].comb == child {
		return matchOpen(parts, i-1, p, scope)
	}
	// A descendant combinator can always be satisfied by an ancestor
	// above the fragment.
	return true
}
