package mcp

import "strings"

// ToolResult is the normalized outcome of a tools/call. Only text segments
// survive; image and resource content is dropped at this boundary.
type ToolResult struct {
	Segments []string
	IsError  bool
}

// NewToolResult collapses a raw tools/call payload into a ToolResult.
func NewToolResult(raw *ToolCallResult) *ToolResult {
	if raw == nil {
		return &ToolResult{}
	}
	out := &ToolResult{IsError: raw.IsError}
	for _, item := range raw.Content {
		if item.Type != "text" {
			continue
		}
		out.Segments = append(out.Segments, item.Text)
	}
	return out
}

// Text joins the text segments with newlines, in order.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	return strings.Join(r.Segments, "\n")
}
