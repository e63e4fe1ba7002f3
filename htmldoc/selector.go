package htmldoc

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// Selector matches element nodes of a tree.
type Selector interface {
	// MatchAll returns matching elements under root in document order,
	// without duplicates.
	MatchAll(root *html.Node) []*html.Node
	// MatchWithin returns matching descendants of scope, evaluating the
	// selector relative to scope the way CSS :has() does: ancestors
	// outside scope never take part in the match.
	MatchWithin(scope *html.Node) []*html.Node
}

var compiled sync.Map // string -> Selector

// Compile parses a selector. Strings starting with "/" are XPath, anything
// else is CSS. Supported CSS:
//   - tag, *, #id, .class, and compounds such as "a.btn.btn-back"
//   - [attr], [attr=val], [attr~=val], [attr^=val], [attr$=val], [attr*=val]
//   - descendant (space) and child (>) combinators
//   - selector lists separated by commas
//
// Pseudo-classes are rejected. Compiled selectors are cached.
func Compile(selector string) (Selector, error) {
	if s, ok := compiled.Load(selector); ok {
		return s.(Selector), nil
	}

	var (
		s   Selector
		err error
	)
	if strings.HasPrefix(strings.TrimSpace(selector), "/") {
		s, err = compileXPath(selector)
	} else {
		s, err = compileCSS(selector)
	}
	if err != nil {
		return nil, err
	}
	compiled.Store(selector, s)
	return s, nil
}

// MustCompile is Compile that panics on error.
func MustCompile(selector string) Selector {
	s, err := Compile(selector)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate reports whether selector compiles.
func Validate(selector string) error {
	_, err := Compile(selector)
	return err
}

// --- CSS ---

type combinator byte

const (
	descendant combinator = ' '
	child      combinator = '>'
)

type attrSel struct {
	key string
	op  string // "" (presence), "=", "~=", "^=", "$=", "*="
	val string
}

type compound struct {
	tag     string // "" or "*" matches any element
	id      string
	classes []string
	attrs   []attrSel
}

type complexPart struct {
	comb combinator // relation to the previous part; unused for the first
	sel  compound
}

type cssSelector struct {
	src  string
	alts [][]complexPart
}

func compileCSS(src string) (*cssSelector, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("htmldoc: empty selector")
	}
	s := &cssSelector{src: src}
	for _, alt := range SplitList(src) {
		parts, err := parseComplex(alt)
		if err != nil {
			return nil, fmt.Errorf("htmldoc: selector %q: %w", src, err)
		}
		s.alts = append(s.alts, parts)
	}
	return s, nil
}

// SplitList splits a selector list on commas outside brackets and quotes.
func SplitList(s string) []string {
	var (
		out   []string
		depth int
		quote rune
		start int
	)
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '[':
			depth++
		case r == ']':
			depth--
		case r == ',' && depth == 0:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

// parseComplex splits "nav.menu > li a" into compounds and combinators.
func parseComplex(s string) ([]complexPart, error) {
	var (
		parts   []complexPart
		pending = descendant
		buf     strings.Builder
		depth   int
		quote   rune
	)
	flush := func() error {
		if buf.Len() == 0 {
			return nil
		}
		c, err := parseCompound(buf.String())
		if err != nil {
			return err
		}
		parts = append(parts, complexPart{comb: pending, sel: c})
		pending = descendant
		buf.Reset()
		return nil
	}

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			buf.WriteRune(r)
			continue
		case depth > 0 && (r == '"' || r == '\''):
			quote = r
			buf.WriteRune(r)
			continue
		case r == '[':
			depth++
		case r == ']':
			depth--
		}
		if depth > 0 {
			buf.WriteRune(r)
			continue
		}
		switch r {
		case ' ', '\t', '\n', '\r':
			if err := flush(); err != nil {
				return nil, err
			}
		case '>':
			if err := flush(); err != nil {
				return nil, err
			}
			if len(parts) == 0 || pending == child {
				return nil, fmt.Errorf("dangling '>'")
			}
			pending = child
		default:
			buf.WriteRune(r)
		}
	}
	if depth != 0 || quote != 0 {
		return nil, fmt.Errorf("unterminated attribute selector")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty selector")
	}
	if pending == child {
		return nil, fmt.Errorf("dangling '>'")
	}
	return parts, nil
}

// parseCompound parses "tag#id.class[attr=val]".
func parseCompound(s string) (compound, error) {
	var c compound
	i := 0
	ident := func() string {
		start := i
		for i < len(s) && isIdentByte(s[i]) {
			i++
		}
		return s[start:i]
	}

	if i < len(s) && s[i] == '*' {
		c.tag = "*"
		i++
	} else {
		c.tag = strings.ToLower(ident())
	}

	for i < len(s) {
		switch s[i] {
		case '#':
			i++
			if c.id = ident(); c.id == "" {
				return c, fmt.Errorf("empty id in %q", s)
			}
		case '.':
			i++
			cls := ident()
			if cls == "" {
				return c, fmt.Errorf("empty class in %q", s)
			}
			c.classes = append(c.classes, cls)
		case '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return c, fmt.Errorf("unterminated attribute in %q", s)
			}
			a, err := parseAttr(s[i+1 : i+end])
			if err != nil {
				return c, err
			}
			c.attrs = append(c.attrs, a)
			i += end + 1
		case ':':
			return c, fmt.Errorf("pseudo-classes are not supported: %q", s)
		default:
			return c, fmt.Errorf("unexpected %q in %q", s[i], s)
		}
	}
	return c, nil
}

func parseAttr(body string) (attrSel, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return attrSel{}, fmt.Errorf("empty attribute selector")
	}
	// The operator sits before the value, which may itself contain "=".
	head := body
	if q := strings.IndexAny(body, `"'`); q >= 0 {
		head = body[:q]
	}
	eq := strings.IndexByte(head, '=')
	if eq < 0 {
		return attrSel{key: body}, nil
	}
	keyEnd, op := eq, "="
	if eq > 0 && strings.IndexByte("~^$*", head[eq-1]) >= 0 {
		keyEnd, op = eq-1, head[eq-1:eq+1]
	}
	key := strings.TrimSpace(body[:keyEnd])
	if key == "" {
		return attrSel{}, fmt.Errorf("attribute selector %q has no name", body)
	}
	val := strings.Trim(strings.TrimSpace(body[eq+1:]), `"'`)
	return attrSel{key: key, op: op, val: val}, nil
}

func isIdentByte(b byte) bool {
	return b == '-' || b == '_' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func (s *cssSelector) MatchAll(root *html.Node) []*html.Node {
	var out []*html.Node
	walk(root, func(n *html.Node) {
		if s.match(n, nil) {
			out = append(out, n)
		}
	})
	return out
}

func (s *cssSelector) MatchWithin(scope *html.Node) []*html.Node {
	var out []*html.Node
	for c := scope.FirstChild; c != nil; c = c.NextSibling {
		walk(c, func(n *html.Node) {
			if s.match(n, scope) {
				out = append(out, n)
			}
		})
	}
	return out
}

func (s *cssSelector) match(n, scope *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, parts := range s.alts {
		if matchAt(parts, len(parts)-1, n, scope) {
			return true
		}
	}
	return false
}

// matchAt matches parts[:i+1] right to left, with parts[i] against n.
// Ancestor lookups stop below scope.
func matchAt(parts []complexPart, i int, n, scope *html.Node) bool {
	if !parts[i].sel.match(n) {
		return false
	}
	if i == 0 {
		return true
	}
	switch parts[i].comb {
	case child:
		p := parentElement(n, scope)
		return p != nil && matchAt(parts, i-1, p, scope)
	default:
		for p := parentElement(n, scope); p != nil; p = parentElement(p, scope) {
			if matchAt(parts, i-1, p, scope) {
				return true
			}
		}
		return false
	}
}

func parentElement(n, scope *html.Node) *html.Node {
	p := n.Parent
	if p == nil || p == scope || p.Type != html.ElementNode {
		return nil
	}
	return p
}

func (c compound) match(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if c.tag != "" && c.tag != "*" && n.Data != c.tag {
		return false
	}
	if c.id != "" && getAttr(n, "id") != c.id {
		return false
	}
	if len(c.classes) > 0 {
		have := strings.Fields(getAttr(n, "class"))
		for _, want := range c.classes {
			if !contains(have, want) {
				return false
			}
		}
	}
	for _, a := range c.attrs {
		if !a.match(n) {
			return false
		}
	}
	return true
}

func (a attrSel) match(n *html.Node) bool {
	if !hasAttr(n, a.key) {
		return false
	}
	v := getAttr(n, a.key)
	switch a.op {
	case "":
		return true
	case "=":
		return v == a.val
	case "~=":
		return contains(strings.Fields(v), a.val)
	case "^=":
		return a.val != "" && strings.HasPrefix(v, a.val)
	case "$=":
		return a.val != "" && strings.HasSuffix(v, a.val)
	case "*=":
		return a.val != "" && strings.Contains(v, a.val)
	}
	return false
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
