package engine

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/uipatch/kit"
	"github.com/hazyhaar/uipatch/patch"
)

// RegisterMCP registers the uipatch tools on an MCP server.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	e.registerApplyTool(srv)
	e.registerSetsTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// --- apply ---

type applyReq struct {
	HTML string `json:"html"`
	Set  string `json:"set"`
	Path string `json:"path"`
}

type applyResp struct {
	HTML    string         `json:"html"`
	Applied int            `json:"applied"`
	Reports []patch.Report `json:"reports"`
}

func (e *Engine) registerApplyTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "uipatch_apply",
		Description: "Apply patch sets to an HTML document and return the patched HTML with a per-rule report. Uses the named set, else the sets matching path, else every set.",
		InputSchema: inputSchema(map[string]any{
			"html": map[string]any{"type": "string", "description": "HTML document to patch"},
			"set":  map[string]any{"type": "string", "description": "Name of the patch set to apply"},
			"path": map[string]any{"type": "string", "description": "Request path used to select sets when set is empty"},
		}, []string{"html"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*applyReq)
		var (
			out     string
			reports []patch.Report
			err     error
		)
		if r.Set == "" && r.Path != "" {
			out, reports, err = e.ApplyForPath(ctx, r.HTML, r.Path)
		} else {
			out, reports, err = e.Apply(ctx, r.HTML, r.Set)
		}
		if err != nil {
			return nil, err
		}
		resp := applyResp{HTML: out, Reports: reports}
		for _, rep := range reports {
			resp.Applied += rep.Applied()
		}
		return resp, nil
	}

	mw := kit.Logging(e.logger, "uipatch_apply")
	kit.RegisterMCPTool(srv, tool, mw(endpoint), kit.DecodeArgs[applyReq]())
}

// --- sets ---

type setInfo struct {
	Name  string   `json:"name"`
	Paths []string `json:"paths"`
	Rules []string `json:"rules"`
}

func (e *Engine) registerSetsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "uipatch_sets",
		Description: "List the configured patch sets with their path patterns and rule names in execution order.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		out := make([]setInfo, 0, len(e.sets))
		for _, s := range e.sets {
			info := setInfo{Name: s.Name(), Paths: s.Paths()}
			for _, r := range s.Rules() {
				info.Rules = append(info.Rules, r.Name+" ("+string(r.Action)+")")
			}
			out = append(out, info)
		}
		return map[string]any{"sets": out}, nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, kit.Logging(e.logger, "uipatch_sets")(endpoint), decode)
}
