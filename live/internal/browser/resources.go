package browser

import (
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blockable maps the names accepted in configuration to CDP resource types.
// Patching reads and mutates the DOM only; none of these affect it.
var blockable = map[string]proto.NetworkResourceType{
	"images":      proto.NetworkResourceTypeImage,
	"fonts":       proto.NetworkResourceTypeFont,
	"media":       proto.NetworkResourceTypeMedia,
	"stylesheets": proto.NetworkResourceTypeStylesheet,
}

// BlockList is a set of resource types a tab refuses to load.
type BlockList map[proto.NetworkResourceType]bool

// ParseBlockList resolves configured names. Unknown names are an error so
// a typo does not silently load everything.
func ParseBlockList(names []string) (BlockList, error) {
	bl := make(BlockList, len(names))
	for _, n := range names {
		rt, ok := blockable[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("browser: cannot block resource type %q", n)
		}
		bl[rt] = true
	}
	return bl, nil
}

// Blocks reports whether requests of type rt are refused.
func (bl BlockList) Blocks(rt proto.NetworkResourceType) bool {
	return bl[rt]
}

// hijack fails blocked requests on page and continues the rest. The router
// stops with the browser.
func (bl BlockList) hijack(page *rod.Page) {
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if bl.Blocks(h.Request.Type()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
}
