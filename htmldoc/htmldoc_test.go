package htmldoc

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/uipatch/patch"
)

const adminHTML = `<!DOCTYPE html>
<html>
<head><title>Admin</title></head>
<body>
<nav class="sidebar">
  <ul class="menu">
    <li class="menu-item has-sub" id="catalog"><span>Catalog</span>
      <ul><li><a href="/admin/products">Products</a></li><li><a href="/admin/brands">Brands</a></li></ul>
    </li>
    <li class="menu-item" id="orders"><a href="/admin/orders">Orders</a></li>
  </ul>
</nav>
<main>
  <div id="actions" class="toolbar"><a class="btn btn-back" href="javascript:history.back()">Back</a><button type="submit" data-role="save">Save</button></div>
  <script>var back = "Back";</script>
</main>
</body>
</html>`

func mustParse(t *testing.T, s string) *Document {
	t.Helper()
	doc, err := ParseString(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func ids(t *testing.T, doc *Document, selector string) []string {
	t.Helper()
	els, err := doc.Find(context.Background(), selector)
	if err != nil {
		t.Fatalf("Find(%q): %v", selector, err)
	}
	var out []string
	for _, el := range els {
		id, ok := el.Attr("id")
		if !ok {
			id = el.Tag()
		}
		out = append(out, id)
	}
	return out
}

func TestFind_CSS(t *testing.T) {
	doc := mustParse(t, adminHTML)

	tests := []struct {
		selector string
		want     []string
	}{
		{"#actions", []string{"actions"}},
		{"li.menu-item", []string{"catalog", "orders"}},
		{"li.menu-item.has-sub", []string{"catalog"}},
		{"ul.menu > li", []string{"catalog", "orders"}},
		{"nav li", []string{"catalog", "li", "li", "orders"}},
		{"nav > li", nil},
		{"a.btn-back, button", []string{"a", "button"}},
		{"button, a.btn-back", []string{"a", "button"}},
		{"[data-role=save]", []string{"button"}},
		{`button[type="submit"]`, []string{"button"}},
		{"a[href^=/admin/b]", []string{"a"}},
		{"a[href$=orders]", []string{"a"}},
		{"a[href*=product]", []string{"a"}},
		{"li[class~=has-sub]", []string{"catalog"}},
		{"#actions > *", []string{"a", "button"}},
		{"table", nil},
	}
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			got := ids(t, doc, tt.selector)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Find(%q) mismatch (-want +got):\n%s", tt.selector, diff)
			}
		})
	}
}

func TestFind_QuotedAttributeValues(t *testing.T) {
	doc := mustParse(t, `<span id="op" title="a*=b"></span><span id="eq" data-q="k=v"></span><span id="list" data-x="a,b"></span>`)

	tests := []struct {
		selector string
		want     []string
	}{
		{`[title="a*=b"]`, []string{"op"}},
		{`span[title^='a*']`, []string{"op"}},
		{`[data-q="k=v"]`, []string{"eq"}},
		{`[data-q*="="]`, []string{"eq"}},
		{`[data-x="a,b"]`, []string{"list"}},
		{`[data-x="a,b"], #op`, []string{"op", "list"}},
	}
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ids(t, doc, tt.selector)); diff != "" {
				t.Errorf("Find(%q) mismatch (-want +got):\n%s", tt.selector, diff)
			}
		})
	}
}

func TestFind_XPath(t *testing.T) {
	doc := mustParse(t, adminHTML)

	tests := []struct {
		selector string
		want     []string
	}{
		{"//li[@id='orders']", []string{"orders"}},
		{"//nav//a", []string{"a", "a", "a"}},
		{"/html/body/main/div", []string{"actions"}},
		{"//ul[@class='menu']/li[2]", []string{"orders"}},
		{"//div[@id='actions']/*", []string{"a", "button"}},
		{"//button[@data-role]", []string{"button"}},
	}
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			got := ids(t, doc, tt.selector)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Find(%q) mismatch (-want +got):\n%s", tt.selector, diff)
			}
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	for _, sel := range []string{
		"",
		"a:hover",
		"div >",
		"> div",
		"[data-x",
		"div..x",
		"//div[@class='x'",
		"//div[contains(., 'x')]",
		"//",
	} {
		if err := Validate(sel); err == nil {
			t.Errorf("Validate(%q): expected error", sel)
		}
	}
}

func TestElement_Text(t *testing.T) {
	doc := mustParse(t, adminHTML)
	els, _ := doc.Find(context.Background(), "main")
	if len(els) != 1 {
		t.Fatalf("main: got %d", len(els))
	}
	got := els[0].Text()
	if got != "Back Save" {
		t.Errorf("Text: got %q, want %q (script content must be skipped)", got, "Back Save")
	}
}

func TestElement_Has(t *testing.T) {
	doc := mustParse(t, adminHTML)
	els, _ := doc.Find(context.Background(), "li.menu-item")
	if !els[0].Has("ul a") {
		t.Error("catalog should have nested links")
	}
	if els[1].Has("ul a") {
		t.Error("orders has no nested list")
	}
}

func TestElement_SetStyle(t *testing.T) {
	tests := []struct {
		name   string
		before string
		prop   string
		value  string
		want   string
	}{
		{"empty", "", "pointer-events", "none", "pointer-events: none;"},
		{"append", "color: red", "cursor", "default", "color: red; cursor: default;"},
		{"replace in place", "cursor: pointer; color: red;", "cursor", "default", "cursor: default; color: red;"},
		{"drops important on replace", "cursor: pointer !important", "cursor", "default", "cursor: default;"},
		{"keeps others important", "color: red !important", "cursor", "default", "color: red !important; cursor: default;"},
		{"double semicolon", "color: red;;", "pointer-events", "none", "color: red; pointer-events: none;"},
		{"leading semicolon", "; color: red", "pointer-events", "none", "color: red; pointer-events: none;"},
		{"only semicolons", " ; ;", "cursor", "default", "cursor: default;"},
		{"semicolon in url", `background: url("a;b.png");; cursor: pointer`, "cursor", "default", `background: url("a;b.png"); cursor: default;`},
		{"unparseable kept", "color red", "cursor", "default", "color red; cursor: default;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := setStyleProperty(tt.before, tt.prop, tt.value); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSuppress_EmptyStyleDeclarations(t *testing.T) {
	doc := mustParse(t, `<button id="a" style="color:red;;">A</button><button id="b" style="; color:red">B</button>`)
	set := patch.MustSet("t", nil, patch.Rule{
		Name: "freeze", Action: patch.Suppress, Target: patch.Matcher{Selector: "button"},
	})
	rep := patch.NewRunner().Run(context.Background(), doc, set)
	if rep.Rules[0].Failed != 0 || rep.Rules[0].Applied != 2 {
		t.Fatalf("report = %+v", rep.Rules[0])
	}
	els, _ := doc.Find(context.Background(), "button")
	for _, el := range els {
		e := el.(*Element)
		if v, _ := e.Style("pointer-events"); v != "none" {
			t.Errorf("%s: pointer-events = %q", e.Text(), v)
		}
		if _, ok := e.Attr(patch.SuppressedAttr); !ok {
			t.Errorf("%s: not marked suppressed", e.Text())
		}
	}
}

func TestElement_SetStyleIdempotent(t *testing.T) {
	doc := mustParse(t, `<div id="x" style="color: red"></div>`)
	els, _ := doc.Find(context.Background(), "#x")
	el := els[0].(*Element)
	for i := 0; i < 3; i++ {
		if err := el.SetStyle("pointer-events", "none"); err != nil {
			t.Fatal(err)
		}
	}
	style, _ := el.Attr("style")
	if style != "color: red; pointer-events: none;" {
		t.Errorf("style after 3 sets: %q", style)
	}
	if v, ok := el.Style("pointer-events"); !ok || v != "none" {
		t.Errorf("Style(pointer-events) = %q, %v", v, ok)
	}
}

func TestElement_InsertPositions(t *testing.T) {
	tests := []struct {
		pos  patch.Position
		want string
	}{
		{patch.FirstChild, `<div id="a"><i>new</i><b>old</b></div>`},
		{patch.LastChild, `<div id="a"><b>old</b><i>new</i></div>`},
		{patch.Before, `<i>new</i><div id="a"><b>old</b></div>`},
		{patch.After, `<div id="a"><b>old</b></div><i>new</i>`},
	}
	for _, tt := range tests {
		t.Run(string(tt.pos), func(t *testing.T) {
			doc := mustParse(t, `<section><div id="a"><b>old</b></div></section>`)
			els, _ := doc.Find(context.Background(), "#a")
			if err := els[0].Insert("<i>new</i>", tt.pos); err != nil {
				t.Fatalf("Insert: %v", err)
			}
			sec, _ := doc.Find(context.Background(), "section")
			got := renderInner(t, sec[0].(*Element))
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestElement_InsertMultipleNodesKeepsOrder(t *testing.T) {
	doc := mustParse(t, `<div id="a"><b>old</b></div>`)
	els, _ := doc.Find(context.Background(), "#a")
	if err := els[0].Insert("<i>1</i><i>2</i>", patch.FirstChild); err != nil {
		t.Fatal(err)
	}
	got := renderInner(t, els[0].(*Element))
	if got != "<i>1</i><i>2</i><b>old</b>" {
		t.Errorf("got %s", got)
	}
}

func TestElement_Remove(t *testing.T) {
	doc := mustParse(t, adminHTML)
	before := doc.NodeCount()
	els, _ := doc.Find(context.Background(), "a.btn-back")
	if err := els[0].Remove(); err != nil {
		t.Fatal(err)
	}
	if len(ids(t, doc, "a.btn-back")) != 0 {
		t.Error("back button still present")
	}
	if doc.NodeCount() >= before {
		t.Error("node count did not decrease")
	}
	// Removing a detached element is a no-op.
	if err := els[0].Remove(); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}

func renderInner(t *testing.T, el *Element) string {
	t.Helper()
	var b strings.Builder
	for c := el.Node().FirstChild; c != nil; c = c.NextSibling {
		d := &Document{root: c}
		b.WriteString(d.String())
	}
	return b.String()
}
