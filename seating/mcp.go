package seating

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/campuskit/seatfinder/kit"
)

// RegisterMCP registers the seating tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerLookupTool(srv)
	s.registerCacheStatusTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

type lookupReq struct {
	Identifier string `json:"identifier"`
	Date       string `json:"date,omitempty"`
}

func (s *Service) registerLookupTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "seating_lookup",
		Description: "Look up a student's exam seat across all configured campus sources.",
		InputSchema: inputSchema(map[string]any{
			"identifier": map[string]any{"type": "string", "description": "Register number"},
			"date":       map[string]any{"type": "string", "description": "Exam date, e.g. 03/04/2025 (optional)"},
		}, []string{"identifier"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*lookupReq)
		return s.Lookup(ctx, r.Identifier, r.Date)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r lookupReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerCacheStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "seating_cache_status",
		Description: "Report seating result cache population and entry ages.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		stats := s.results.Stats()
		entries := make([]map[string]any, 0, len(stats))
		for _, e := range stats {
			entries = append(entries, map[string]any{
				"key":              e.Key,
				"ageSeconds":       int(e.Age / time.Second),
				"expiresInSeconds": int(e.ExpiresIn / time.Second),
			})
		}
		return map[string]any{
			"entries":    len(stats),
			"ttlSeconds": int(s.config.CacheTTL / time.Second),
			"items":      entries,
		}, nil
	}

	decode := func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
