package htmldoc

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// xpathSelector supports a practical subset of XPath:
//   - /html/body/div        absolute child steps
//   - //nav//a              descendant steps anywhere in the path
//   - //div[@class='x']     attribute equality
//   - //button[@disabled]   attribute presence
//   - //li[2]               position among same-tag siblings (1-based)
//   - //*                   any element
type xpathSelector struct {
	src   string
	steps []xpathStep
}

type xpathStep struct {
	deep bool // reached through "//"
	tag  string
	pred *xpathPredicate
}

type xpathPredicate struct {
	attrName  string
	attrValue string
	hasValue  bool
	position  int
}

func compileXPath(src string) (*xpathSelector, error) {
	s := strings.TrimSpace(src)
	x := &xpathSelector{src: src}

	for len(s) > 0 {
		var step xpathStep
		switch {
		case strings.HasPrefix(s, "//"):
			step.deep = true
			s = s[2:]
		case strings.HasPrefix(s, "/"):
			s = s[1:]
		default:
			return nil, fmt.Errorf("htmldoc: xpath %q: expected '/'", src)
		}

		end := stepEnd(s)
		raw := s[:end]
		s = s[end:]
		if raw == "" {
			return nil, fmt.Errorf("htmldoc: xpath %q: empty step", src)
		}

		tag, pred, err := parseXPathStep(raw)
		if err != nil {
			return nil, fmt.Errorf("htmldoc: xpath %q: %w", src, err)
		}
		step.tag, step.pred = tag, pred
		x.steps = append(x.steps, step)
	}
	if len(x.steps) == 0 {
		return nil, fmt.Errorf("htmldoc: xpath %q: no steps", src)
	}
	return x, nil
}

// stepEnd returns the index of the next '/' outside a predicate.
func stepEnd(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		case '/':
			if depth == 0 {
				return i
			}
		}
	}
	return len(s)
}

// parseXPathStep parses "div", "div[@class='x']", "div[2]".
func parseXPathStep(step string) (string, *xpathPredicate, error) {
	idx := strings.IndexByte(step, '[')
	if idx < 0 {
		return strings.ToLower(step), nil, nil
	}
	if !strings.HasSuffix(step, "]") {
		return "", nil, fmt.Errorf("unterminated predicate in %q", step)
	}

	tag := strings.ToLower(step[:idx])
	predStr := step[idx+1 : len(step)-1]
	pred := &xpathPredicate{}

	if n, err := strconv.Atoi(predStr); err == nil {
		if n < 1 {
			return "", nil, fmt.Errorf("position must be >= 1 in %q", step)
		}
		pred.position = n
		return tag, pred, nil
	}

	if !strings.HasPrefix(predStr, "@") {
		return "", nil, fmt.Errorf("unsupported predicate %q", predStr)
	}
	attrExpr := predStr[1:]
	if eqIdx := strings.IndexByte(attrExpr, '='); eqIdx >= 0 {
		pred.attrName = strings.TrimSpace(attrExpr[:eqIdx])
		pred.attrValue = strings.Trim(strings.TrimSpace(attrExpr[eqIdx+1:]), `'"`)
		pred.hasValue = true
	} else {
		pred.attrName = strings.TrimSpace(attrExpr)
	}
	if pred.attrName == "" {
		return "", nil, fmt.Errorf("empty attribute name in %q", step)
	}
	return tag, pred, nil
}

func (x *xpathSelector) MatchAll(root *html.Node) []*html.Node {
	current := []*html.Node{root}
	for _, step := range x.steps {
		seen := make(map[*html.Node]bool)
		var next []*html.Node
		add := func(n *html.Node) {
			if !seen[n] && matchesXPathStep(n, step) {
				seen[n] = true
				next = append(next, n)
			}
		}
		for _, parent := range current {
			for c := parent.FirstChild; c != nil; c = c.NextSibling {
				if step.deep {
					walk(c, add)
				} else {
					add(c)
				}
			}
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}

	// Restore document order across branches.
	want := make(map[*html.Node]bool, len(current))
	for _, n := range current {
		want[n] = true
	}
	out := make([]*html.Node, 0, len(current))
	walk(root, func(n *html.Node) {
		if want[n] {
			out = append(out, n)
		}
	})
	return out
}

// MatchWithin evaluates the path with scope as its root, so "/ul" means a
// child ul of scope and "//a" any descendant a.
func (x *xpathSelector) MatchWithin(scope *html.Node) []*html.Node {
	return x.MatchAll(scope)
}

func matchesXPathStep(n *html.Node, step xpathStep) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if step.tag != "*" && n.Data != step.tag {
		return false
	}

	pred := step.pred
	if pred == nil {
		return true
	}

	if pred.attrName != "" {
		if pred.hasValue {
			return hasAttr(n, pred.attrName) && getAttr(n, pred.attrName) == pred.attrValue
		}
		return hasAttr(n, pred.attrName)
	}

	if pred.position > 0 && n.Parent != nil {
		pos := 0
		for s := n.Parent.FirstChild; s != nil; s = s.NextSibling {
			if s.Type == html.ElementNode && s.Data == n.Data {
				pos++
				if s == n {
					return pos == pred.position
				}
			}
		}
	}
	return false
}
