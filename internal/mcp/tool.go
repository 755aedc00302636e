package mcp

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool is one tool as advertised by tools/list. InputSchema is kept as
// the server sent it and only interpreted when arguments are validated
// or parameter help is shown.
type Tool struct {
	Name        string          `json:"name"`
	Server      string          `json:"server,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// QualifiedName returns "server:name".
func (t Tool) QualifiedName() string {
	return QualifiedName(t.Server, t.Name)
}

// Schema decodes InputSchema for providers that take a structured
// parameters object. A missing or invalid schema becomes an empty
// object schema.
func (t Tool) Schema() map[string]any {
	var m map[string]any
	if len(t.InputSchema) > 0 {
		if err := json.Unmarshal(t.InputSchema, &m); err == nil && m != nil {
			return m
		}
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// Validate checks args against the tool's input schema. Tools without
// a schema, or with one this validator cannot resolve, accept anything
// and leave validation to the server.
func (t Tool) Validate(args map[string]any) error {
	if len(t.InputSchema) == 0 {
		return nil
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(t.InputSchema, &s); err != nil {
		return nil
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip so numbers and nested values have their JSON types.
	var instance any
	data, err := json.Marshal(args)
	if err != nil {
		return &InvalidArgumentsError{Tool: t.QualifiedName(), Err: err}
	}
	if err := json.Unmarshal(data, &instance); err != nil {
		return &InvalidArgumentsError{Tool: t.QualifiedName(), Err: err}
	}
	if err := resolved.Validate(instance); err != nil {
		return &InvalidArgumentsError{Tool: t.QualifiedName(), Err: err}
	}
	return nil
}

// Param describes one top-level input parameter.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Params lists the top-level properties of the input schema, required
// ones first, each group in name order.
func (t Tool) Params() []Param {
	schema := t.Schema()
	props, _ := schema["properties"].(map[string]any)
	required := map[string]bool{}
	if req, ok := schema["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	params := make([]Param, 0, len(props))
	for name, raw := range props {
		p := Param{Name: name, Type: "any", Required: required[name]}
		if prop, ok := raw.(map[string]any); ok {
			if typ, ok := prop["type"].(string); ok {
				p.Type = typ
			}
			if desc, ok := prop["description"].(string); ok {
				p.Description = desc
			}
		}
		params = append(params, p)
	}
	sort.Slice(params, func(i, j int) bool {
		if params[i].Required != params[j].Required {
			return params[i].Required
		}
		return params[i].Name < params[j].Name
	})
	return params
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	Data     string           `json:"data,omitempty"`
	MimeType string           `json:"mimeType,omitempty"`
	Resource *ResourceContent `json:"resource,omitempty"`
}

// ResourceContent is the embedded resource of a "resource" block.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// ToolResult is the result payload of a tools/call response.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text flattens the content blocks into the string handed to the model.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	return extractText(r.Content)
}

// extractText joins content blocks with newlines. Text is taken
// verbatim, resources are referenced by URI, images are elided, and
// anything else is rendered as JSON.
func extractText(blocks []ContentBlock) string {
	if len(blocks) == 0 {
		return "No content returned"
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text", "":
			parts = append(parts, b.Text)
		case "resource":
			uri := "Unknown"
			if b.Resource != nil && b.Resource.URI != "" {
				uri = b.Resource.URI
			}
			parts = append(parts, "Resource: "+uri)
		case "image":
			parts = append(parts, "[image]")
		default:
			data, err := json.Marshal(b)
			if err != nil {
				parts = append(parts, fmt.Sprintf("[%s]", b.Type))
				continue
			}
			parts = append(parts, string(data))
		}
	}
	return strings.Join(parts, "\n")
}
