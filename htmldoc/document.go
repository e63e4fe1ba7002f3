// Package htmldoc implements patch.Document over an in-memory
// golang.org/x/net/html tree. It backs the rewriting proxy, the CLI and
// the MCP tools, and doubles as the fake document in tests.
package htmldoc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/uipatch/patch"
)

// Document is a parsed HTML page. It is not safe for concurrent use.
type Document struct {
	root *html.Node
}

// Parse reads a complete HTML document.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("htmldoc: parse: %w", err)
	}
	return &Document{root: root}, nil
}

// ParseString is Parse for a string.
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

// Root returns the document node.
func (d *Document) Root() *html.Node { return d.root }

// Render writes the document as HTML.
func (d *Document) Render(w io.Writer) error {
	return html.Render(w, d.root)
}

// String renders the document. Rendering errors yield "".
func (d *Document) String() string {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return ""
	}
	return buf.String()
}

// NodeCount returns the number of nodes of every type in the tree.
func (d *Document) NodeCount() int {
	n := 0
	walk(d.root, func(*html.Node) { n++ })
	return n
}

// Find implements patch.Document.
func (d *Document) Find(_ context.Context, selector string) ([]patch.Element, error) {
	sel, err := Compile(selector)
	if err != nil {
		return nil, err
	}
	nodes := sel.MatchAll(d.root)
	out := make([]patch.Element, len(nodes))
	for i, n := range nodes {
		out[i] = &Element{doc: d, n: n}
	}
	return out, nil
}

// Element wraps an element node.
type Element struct {
	doc *Document
	n   *html.Node
}

// Node returns the underlying node.
func (e *Element) Node() *html.Node { return e.n }

func (e *Element) Tag() string { return e.n.Data }

func (e *Element) Attr(name string) (string, bool) {
	for _, a := range e.n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// Attrs returns a copy of the element's attributes.
func (e *Element) Attrs() map[string]string {
	m := make(map[string]string, len(e.n.Attr))
	for _, a := range e.n.Attr {
		m[a.Key] = a.Val
	}
	return m
}

func (e *Element) Text() string { return collectText(e.n) }

func (e *Element) Has(selector string) bool {
	sel, err := Compile(selector)
	if err != nil {
		return false
	}
	return len(sel.MatchWithin(e.n)) > 0
}

func (e *Element) SetAttr(name, value string) error {
	setAttr(e.n, name, value)
	return nil
}

func (e *Element) SetStyle(property, value string) error {
	style, _ := e.Attr("style")
	setAttr(e.n, "style", setStyleProperty(style, property, value))
	return nil
}

func (e *Element) Remove() error {
	if e.n.Parent == nil {
		return nil
	}
	e.n.Parent.RemoveChild(e.n)
	return nil
}

func (e *Element) Insert(markup string, pos patch.Position) error {
	parseCtx := e.n
	if pos == patch.Before || pos == patch.After {
		if e.n.Parent == nil {
			return fmt.Errorf("htmldoc: insert %s: element is detached", pos)
		}
		if e.n.Parent.Type == html.ElementNode {
			parseCtx = e.n.Parent
		}
	}

	nodes, err := html.ParseFragment(strings.NewReader(markup), parseCtx)
	if err != nil {
		return fmt.Errorf("htmldoc: parse fragment: %w", err)
	}

	switch pos {
	case patch.FirstChild:
		ref := e.n.FirstChild
		for _, c := range nodes {
			e.n.InsertBefore(c, ref)
		}
	case patch.LastChild:
		for _, c := range nodes {
			e.n.AppendChild(c)
		}
	case patch.Before:
		for _, c := range nodes {
			e.n.Parent.InsertBefore(c, e.n)
		}
	case patch.After:
		ref := e.n.NextSibling
		for _, c := range nodes {
			e.n.Parent.InsertBefore(c, ref)
		}
	default:
		return fmt.Errorf("htmldoc: unknown position %q", pos)
	}
	return nil
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}
