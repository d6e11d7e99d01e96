// ABOUTME: Standalone MCP server for manual end-to-end testing of toolhost
// ABOUTME: Serves echo and add tools over stdio, plus manifest-defined canned tools

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	manifestPath := flag.String("manifest", "", "TOML file with extra [tools.<name>] definitions")
	flag.Parse()

	s := server.NewMCPServer("fake-mcp-server", version)

	s.AddTool(mcp.Tool{
		Name:        "echo",
		Description: "Echoes the message back",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"message": map[string]any{"type": "string"},
			},
			Required: []string{"message"},
		},
	}, handleEcho)

	s.AddTool(mcp.Tool{
		Name:        "add",
		Description: "Adds two numbers",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			Required: []string{"a", "b"},
		},
	}, handleAdd)

	if *manifestPath != "" {
		if err := addManifestTools(s, *manifestPath); err != nil {
			fmt.Fprintf(os.Stderr, "loading manifest: %v\n", err)
			os.Exit(1)
		}
	}

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "serving: %v\n", err)
		os.Exit(1)
	}
}

func handleEcho(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := request.RequireString("message")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultStructuredOnly(map[string]any{"echo": message}), nil
}

func handleAdd(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sum := request.GetFloat("a", 0) + request.GetFloat("b", 0)
	return mcp.NewToolResultStructuredOnly(map[string]any{"sum": sum}), nil
}

// toolManifest is the TOML shape for canned tools:
//
//	[tools.forecast]
//	description = "Returns the canned forecast"
//	required = ["city"]
//	result = '{"forecast": "sunny"}'
//	[tools.forecast.properties]
//	city = "string"
type toolManifest struct {
	Tools map[string]manifestTool `toml:"tools"`
}

type manifestTool struct {
	Description string            `toml:"description"`
	Properties  map[string]string `toml:"properties"` // property name -> JSON type
	Required    []string          `toml:"required"`
	Result      string            `toml:"result"` // canned JSON payload returned by every call
}

func addManifestTools(s *server.MCPServer, path string) error {
	var manifest toolManifest
	if _, err := toml.DecodeFile(path, &manifest); err != nil {
		return err
	}

	names := make([]string, 0, len(manifest.Tools))
	for name := range manifest.Tools {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := manifest.Tools[name]

		var result any = map[string]any{"ok": true}
		if def.Result != "" {
			if err := json.Unmarshal([]byte(def.Result), &result); err != nil {
				return fmt.Errorf("tool %s: parsing result: %w", name, err)
			}
		}

		properties := make(map[string]any, len(def.Properties))
		for prop, typ := range def.Properties {
			properties[prop] = map[string]any{"type": typ}
		}

		s.AddTool(mcp.Tool{
			Name:        name,
			Description: def.Description,
			InputSchema: mcp.ToolInputSchema{
				Type:       "object",
				Properties: properties,
				Required:   def.Required,
			},
		}, func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultStructuredOnly(result), nil
		})
	}

	return nil
}
