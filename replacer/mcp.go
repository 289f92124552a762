package replacer

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/docreplace/engine"
	"github.com/hazyhaar/docreplace/kit"
)

// RegisterMCP registers the docreplace tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerOperationTool(srv, "docreplace_count", engine.ActionCount,
		"Count occurrences of a search term in a web page, its form fields, rich-text editors and embedded frames.")
	s.registerOperationTool(srv, "docreplace_replace", engine.ActionReplace,
		"Replace occurrences of a search term in a web page, its form fields, rich-text editors and embedded frames. Returns the rewritten HTML.")
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

type operationArgs struct {
	Target       string         `json:"target"`
	HTML         string         `json:"html"`
	URL          string         `json:"url"`
	Search       string         `json:"search"`
	Replace      string         `json:"replace"`
	Options      engine.Options `json:"options"`
	SubDocuments []string       `json:"sub_documents"`
}

func (a *operationArgs) request(action engine.Action) Request {
	req := Request{
		Action:       action,
		Search:       a.Search,
		Replace:      a.Replace,
		Options:      a.Options,
		Target:       a.Target,
		SubDocuments: a.SubDocuments,
	}
	if a.HTML != "" {
		req.Page = pageOf(a.URL, a.HTML)
	}
	return req
}

func (s *Service) registerOperationTool(srv *mcp.Server, name string, action engine.Action, desc string) {
	props := map[string]any{
		"target":  map[string]any{"type": "string", "description": "Page address to load"},
		"html":    map[string]any{"type": "string", "description": "Page markup, used instead of target"},
		"url":     map[string]any{"type": "string", "description": "Address of the supplied markup, for resolving frames"},
		"search":  map[string]any{"type": "string", "description": "Search term or regular expression"},
		"options": map[string]any{"type": "object", "description": "match_case, whole_word, is_regex, replace_all, visible_only, input_fields_only"},
		"sub_documents": map[string]any{
			"type": "array", "items": map[string]any{"type": "string"},
			"description": "Extra sub-document addresses to search",
		},
	}
	if action == engine.ActionReplace {
		props["replace"] = map[string]any{"type": "string", "description": "Replacement text; $1 and ${name} expand in regex mode"}
	}
	tool := &mcp.Tool{
		Name:        name,
		Description: desc,
		InputSchema: inputSchema(props, []string{"search"}),
	}

	endpoint := kit.Chain(kit.Logging(s.logger, name))(func(ctx context.Context, req any) (any, error) {
		return s.serve(ctx, req.(*operationArgs).request(action))
	})
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[operationArgs]())
}
