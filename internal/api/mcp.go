package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/ollamanager/internal/ollama"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Client       *ollama.Client
	DefaultModel string // used by the chat tool when no model is given
	Version      string
}

// NewMCPServer creates an MCP server exposing model management tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"ollamanager",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("ollamanager: inspect, pull, delete and chat with models on a local Ollama server."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_models",
			mcp.WithDescription("List models installed on the Ollama server with size and parameter count."),
		),
		mcpListModels(deps),
	)

	s.AddTool(
		mcp.NewTool("running_models",
			mcp.WithDescription("List models currently loaded in memory."),
		),
		mcpRunningModels(deps),
	)

	s.AddTool(
		mcp.NewTool("show_model",
			mcp.WithDescription("Show details, template, system prompt and parameters of one model."),
			mcp.WithString("name", mcp.Description("Model name, e.g. llama3.2:latest"), mcp.Required()),
		),
		mcpShowModel(deps),
	)

	s.AddTool(
		mcp.NewTool("pull_model",
			mcp.WithDescription("Download a model from the registry. Blocks until the download ends."),
			mcp.WithString("name", mcp.Description("Model name to pull"), mcp.Required()),
		),
		mcpPullModel(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_model",
			mcp.WithDescription("Delete an installed model."),
			mcp.WithString("name", mcp.Description("Model name to delete"), mcp.Required()),
		),
		mcpDeleteModel(deps),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send one prompt to a local model and return its full reply."),
			mcp.WithString("prompt", mcp.Description("User message"), mcp.Required()),
			mcp.WithString("model", mcp.Description("Model name (defaults to the configured model)")),
			mcp.WithString("system", mcp.Description("Optional system prompt")),
			mcp.WithNumber("temperature", mcp.Description("Sampling temperature")),
		),
		mcpChat(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"ollama://overview",
			"Ollama Overview",
			mcp.WithResourceDescription("Installed and running models with totals, as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceOverview(deps),
	)

	return s
}

func mcpListModels(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		models, err := deps.Client.ListModels(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("listing models failed: %v", err)), nil
		}
		if len(models) == 0 {
			return mcpText("No models installed."), nil
		}
		var b strings.Builder
		for _, m := range models {
			fmt.Fprintf(&b, "%s\t%s", m.Name, humanize.IBytes(uint64(max(m.Size, 0))))
			if m.Details.ParameterSize != "" {
				fmt.Fprintf(&b, "\t%s", m.Details.ParameterSize)
			}
			if m.Details.QuantizationLevel != "" {
				fmt.Fprintf(&b, "\t%s", m.Details.QuantizationLevel)
			}
			b.WriteByte('\n')
		}
		return mcpText(b.String()), nil
	}
}

func mcpRunningModels(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		running, err := deps.Client.RunningModels(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("listing running models failed: %v", err)), nil
		}
		if len(running) == 0 {
			return mcpText("No models loaded."), nil
		}
		var b strings.Builder
		for _, m := range running {
			fmt.Fprintf(&b, "%s\t%s VRAM\texpires %s\n",
				m.Name, humanize.IBytes(uint64(max(m.SizeVRAM, 0))), humanize.Time(m.ExpiresAt))
		}
		return mcpText(b.String()), nil
	}
}

func mcpShowModel(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		d, err := deps.Client.ShowModel(ctx, name)
		if err != nil {
			return mcpError(fmt.Sprintf("show %s failed: %v", name, err)), nil
		}
		b, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return mcpError(fmt.Sprintf("encoding model detail: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPullModel(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		var last ollama.PullProgress
		var streamErr string
		err = deps.Client.Pull(ctx, name, func(p ollama.PullProgress) {
			if p.Error != "" {
				streamErr = p.Error
			}
			last = p
		})
		if err != nil {
			return mcpError(fmt.Sprintf("pull %s failed: %v", name, err)), nil
		}
		if streamErr != "" {
			return mcpError(fmt.Sprintf("pull %s failed: %s", name, streamErr)), nil
		}
		status := last.Status
		if status == "" {
			status = "success"
		}
		return mcpText(fmt.Sprintf("pull %s: %s", name, status)), nil
	}
}

func mcpDeleteModel(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		if err := deps.Client.DeleteModel(ctx, name); err != nil {
			return mcpError(fmt.Sprintf("delete %s failed: %v", name, err)), nil
		}
		return mcpText(fmt.Sprintf("deleted %s", name)), nil
	}
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil || strings.TrimSpace(prompt) == "" {
			return mcpError("prompt is required"), nil
		}
		model := req.GetString("model", deps.DefaultModel)
		if model == "" {
			return mcpError("model is required (no default configured)"), nil
		}

		var messages []ollama.Message
		if system := req.GetString("system", ""); system != "" {
			messages = append(messages, ollama.Message{Role: ollama.RoleSystem, Content: system})
		}
		messages = append(messages, ollama.Message{Role: ollama.RoleUser, Content: prompt})

		var opts ollama.Options
		if args := req.GetArguments(); args["temperature"] != nil {
			opts = ollama.Options{"options": map[string]any{"temperature": req.GetFloat("temperature", 0)}}
		}

		reply, err := deps.Client.Chat(ctx, model, messages, nil, opts)
		if err != nil {
			return mcpError(fmt.Sprintf("chat with %s failed: %v", model, err)), nil
		}
		return mcpText(reply), nil
	}
}

func mcpResourceOverview(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		ov, err := deps.Client.Overview(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load overview: %w", err)
		}
		b, err := json.Marshal(ov)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal overview: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
