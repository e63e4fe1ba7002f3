package htmldoc

import (
	"strings"

	"github.com/aymerick/douceur/parser"
)

// setStyleProperty rewrites an inline style attribute with property set to
// value. Existing declarations keep their order; a replaced property keeps
// its position and loses any !important flag. A style that still does not
// parse keeps its text and gets the declaration appended, which wins in the
// cascade.
func setStyleProperty(style, property, value string) string {
	property = strings.ToLower(strings.TrimSpace(property))

	decls, err := parser.ParseDeclarations(compactStyle(style))
	if err != nil {
		var b strings.Builder
		b.WriteString(strings.TrimSpace(style))
		if b.Len() > 0 && !strings.HasSuffix(b.String(), ";") {
			b.WriteByte(';')
		}
		writeDecl(&b, property, value, false)
		return b.String()
	}

	var b strings.Builder
	replaced := false
	for _, d := range decls {
		if d.Property == "" {
			continue
		}
		v := d.Value
		important := d.Important
		if strings.ToLower(d.Property) == property {
			if replaced {
				continue
			}
			v, important, replaced = value, false, true
		}
		writeDecl(&b, d.Property, v, important)
	}
	if !replaced {
		writeDecl(&b, property, value, false)
	}
	return b.String()
}

// compactStyle drops empty declarations ("a: b;; c: d", "; a: b"), which
// browsers ignore and the declaration parser rejects.
func compactStyle(style string) string {
	var (
		out   []string
		start int
		depth int
		quote rune
	)
	keep := func(seg string) {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	for i, r := range style {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			if depth > 0 {
				depth--
			}
		case r == ';' && depth == 0:
			keep(style[start:i])
			start = i + 1
		}
	}
	keep(style[start:])
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, "; ") + ";"
}

func writeDecl(b *strings.Builder, prop, val string, important bool) {
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
	b.WriteString(prop)
	b.WriteString(": ")
	b.WriteString(val)
	if important {
		b.WriteString(" !important")
	}
	b.WriteByte(';')
}

// styleProperty returns the value of property in an inline style.
func styleProperty(style, property string) (string, bool) {
	decls, err := parser.ParseDeclarations(compactStyle(style))
	if err != nil {
		return "", false
	}
	for _, d := range decls {
		if strings.EqualFold(d.Property, property) {
			return d.Value, true
		}
	}
	return "", false
}

// Style returns the inline value of a CSS property on the element.
func (e *Element) Style(property string) (string, bool) {
	style, ok := e.Attr("style")
	if !ok {
		return "", false
	}
	return styleProperty(style, property)
}
