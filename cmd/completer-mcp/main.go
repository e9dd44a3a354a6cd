package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/completer/internal/completion"
	"github.com/comigor/completer/internal/config"
	"github.com/comigor/completer/internal/llm"
	"github.com/comigor/completer/internal/logger"
)

func main() {
	// stdout belongs to the MCP protocol
	logger.SetOutput(os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)

	caller := completion.New(llm.NewOpenAITransport(llm.NewClient(cfg.LLM)), *cfg, completion.WithProgress(os.Stderr))

	s := server.NewMCPServer("completer", "1.0.0")
	s.AddTool(completeTool(), completeHandler(caller))

	if err := server.ServeStdio(s); err != nil {
		logger.L.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}

func completeTool() mcp.Tool {
	return mcp.NewTool("complete",
		mcp.WithDescription("Sends a prompt to the configured language model and returns its reply."),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("User message")),
		mcp.WithString("system", mcp.Description("Optional system instruction")),
		mcp.WithString("model", mcp.Description("Model identifier; the configured default is used when empty")),
	)
}

type completer interface {
	Complete(ctx context.Context, conv completion.Conversation, opts ...completion.CallOption) (string, error)
}

func completeHandler(caller completer) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt := req.GetString("prompt", "")
		if prompt == "" {
			return mcp.NewToolResultError("prompt is required"), nil
		}

		var conv completion.Conversation
		if system := req.GetString("system", ""); system != "" {
			conv = append(conv, completion.Message{Role: completion.RoleSystem, Content: system})
		}
		conv = append(conv, completion.Message{Role: completion.RoleUser, Content: prompt})

		requestID := uuid.NewString()
		logger.L.Info("mcp complete", "request_id", requestID, "messages", len(conv))
		text, err := caller.Complete(ctx, conv, completion.WithModel(req.GetString("model", "")))
		if err != nil {
			logger.L.Error("mcp complete failed", "request_id", requestID, "kind", llm.KindOf(err).String(), "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}
