// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/procflow/procflow/pkg/errors"
)

// MCPServerConfig describes a stdio MCP server the registry discovers
// tools from.
type MCPServerConfig struct {
	// Name is the unique identifier for this server; discovered tools are
	// registered as "<name>.<tool>"
	Name string

	// Command is the executable to run
	Command string

	// Args are the command-line arguments
	Args []string

	// Env are environment variables to pass to the server process
	Env []string

	// Timeout is the per-invocation timeout (defaults to 30s)
	Timeout time.Duration
}

// MCPRegistry discovers tool contracts from MCP servers and routes
// invocations back to them over stdio.
type MCPRegistry struct {
	mu        sync.RWMutex
	contracts map[string]Contract
	routes    map[string]mcpRoute
	clients   []*client.Client
}

// mcpRoute records which server connection serves a namespaced tool.
type mcpRoute struct {
	server  string
	name    string
	client  *client.Client
	timeout time.Duration
}

// NewMCPRegistry creates an empty MCP-backed registry.
// Call Connect for each configured server before use.
func NewMCPRegistry() *MCPRegistry {
	return &MCPRegistry{
		contracts: make(map[string]Contract),
		routes:    make(map[string]mcpRoute),
	}
}

// Connect starts the server process, initializes the MCP session, and
// registers every tool the server advertises under "<server>.<tool>".
func (r *MCPRegistry) Connect(ctx context.Context, cfg MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp server name is required")
	}
	if cfg.Command == "" {
		return fmt.Errorf("mcp server command is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	mcpClient, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client for %s: %w", cfg.Name, err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP server %s: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "procflow",
				Version: "0.1.0",
			},
		},
	}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP server %s: %w", cfg.Name, err)
	}

	listed, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools on MCP server %s: %w", cfg.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients = append(r.clients, mcpClient)
	for _, t := range listed.Tools {
		contract := contractFromMCPTool(cfg.Name, t)
		r.contracts[contract.Name] = contract
		r.routes[contract.Name] = mcpRoute{
			server:  cfg.Name,
			name:    t.Name,
			client:  mcpClient,
			timeout: timeout,
		}
	}

	return nil
}

// Get retrieves the contract for a tool.
func (r *MCPRegistry) Get(name string) (Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.contracts[name]
	return c, ok
}

// List returns all discovered contracts sorted by name.
func (r *MCPRegistry) List() []Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Contract, 0, len(r.contracts))
	for _, c := range r.contracts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke calls the tool on its MCP server using the original (un-namespaced)
// tool name, bounded by the server's invocation timeout.
func (r *MCPRegistry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	route, ok := r.routes[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &errors.NotFoundError{
			Resource: "tool",
			ID:       name,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, route.timeout)
	defer cancel()

	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      route.name,
			Arguments: args,
		},
	}

	result, err := route.client.CallTool(ctx, req)
	if err != nil {
		return nil, &errors.ToolError{
			Tool:  name,
			Cause: err,
		}
	}

	if result.IsError {
		return nil, &errors.ToolError{
			Tool:    name,
			Message: mcpErrorMessage(result.Content),
		}
	}

	return mcpResult(result.Content), nil
}

// Close shuts down every server connection. Discovered contracts remain
// listable; invoking after Close fails at the transport.
func (r *MCPRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, c := range r.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.clients = nil
	return firstErr
}

// contractFromMCPTool converts an MCP tool definition into a Contract.
// The namespaced name prevents collisions across servers. Tools annotated
// read-only get SideEffects=false; everything else is treated as
// side-effecting.
func contractFromMCPTool(server string, t mcp.Tool) Contract {
	readOnly := t.Annotations.ReadOnlyHint != nil && *t.Annotations.ReadOnlyHint

	return Contract{
		Name:           server + "." + t.Name,
		Description:    t.Description,
		InputSchema:    inputSchemaFromRaw(mcpInputSchemaBytes(t)),
		OutputSchema:   &OutputSchema{Type: "string"},
		SideEffects:    !readOnly,
		PayloadProfile: PayloadFull,
	}
}

// mcpInputSchemaBytes extracts the raw JSON Schema for a tool's inputs.
// Uses RawInputSchema when the server provided one, otherwise re-marshals
// the tool definition and pulls the inputSchema field.
func mcpInputSchemaBytes(t mcp.Tool) []byte {
	if len(t.RawInputSchema) > 0 {
		return t.RawInputSchema
	}

	raw, err := t.MarshalJSON()
	if err != nil {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m["inputSchema"]
}

// inputSchemaFromRaw converts a JSON Schema document into an InputSchema.
// Handles the common object-with-properties case; anything unparseable
// degrades to an empty object schema.
func inputSchemaFromRaw(raw []byte) *InputSchema {
	in := &InputSchema{Type: "object"}
	if len(raw) == 0 {
		return in
	}

	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return in
	}

	if t, ok := schema["type"].(string); ok {
		in.Type = t
	}
	if desc, ok := schema["description"].(string); ok {
		in.Description = desc
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		in.Properties = make(map[string]*ArgSpec, len(props))
		for propName, propAny := range props {
			propMap, ok := propAny.(map[string]any)
			if !ok {
				continue
			}

			arg := &ArgSpec{}
			if t, ok := propMap["type"].(string); ok {
				arg.Type = t
			}
			if d, ok := propMap["description"].(string); ok {
				arg.Description = d
			}
			if e, ok := propMap["enum"].([]any); ok {
				arg.Enum = e
			}
			if def, ok := propMap["default"]; ok {
				arg.Default = def
			}
			if f, ok := propMap["format"].(string); ok {
				arg.Format = f
			}
			in.Properties[propName] = arg
		}
	}

	if required, ok := schema["required"].([]any); ok {
		for _, req := range required {
			if s, ok := req.(string); ok {
				in.Required = append(in.Required, s)
			}
		}
	}

	return in
}

// mcpErrorMessage collects the text content of a failed call into one
// message.
func mcpErrorMessage(contents []mcp.Content) string {
	var msg string
	for _, content := range contents {
		if text, ok := mcp.AsTextContent(content); ok && text.Text != "" {
			if msg != "" {
				msg += "; "
			}
			msg += text.Text
		}
	}
	if msg == "" {
		msg = "tool execution failed"
	}
	return msg
}

// mcpResult converts call content into a step-bindable value. A single text
// content becomes the string itself; anything richer becomes a list of
// content maps.
func mcpResult(contents []mcp.Content) any {
	if len(contents) == 1 {
		if text, ok := mcp.AsTextContent(contents[0]); ok {
			return text.Text
		}
	}

	items := make([]map[string]any, 0, len(contents))
	for _, content := range contents {
		item := make(map[string]any)
		if text, ok := mcp.AsTextContent(content); ok {
			item["type"] = text.Type
			item["text"] = text.Text
		} else if img, ok := mcp.AsImageContent(content); ok {
			item["type"] = img.Type
			item["data"] = img.Data
			item["mimeType"] = img.MIMEType
		} else if raw, err := json.Marshal(content); err == nil {
			_ = json.Unmarshal(raw, &item)
		}
		items = append(items, item)
	}
	return items
}
