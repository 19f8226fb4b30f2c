package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/verdemuse/assistant/orchestrator"
)

// NewMCPServer exposes the assistant as MCP tools.
func NewMCPServer(client *RAGClient) *server.MCPServer {
	mcpServer := server.NewMCPServer(
		client.config.App.Name,
		Version,
		server.WithToolCapabilities(false),
		server.WithInstructions("VerdeMuse customer support assistant: answer questions about VerdeMuse products and manage conversations"),
	)

	mcpServer.AddTool(
		mcp.NewToolWithRawSchema("chat", "Answer a customer question using the VerdeMuse knowledge base and the conversation history", GetChatSchema()),
		HandleChat(client),
	)
	mcpServer.AddTool(
		mcp.NewToolWithRawSchema("get-conversation", "Return the ordered messages of a conversation", GetConversationSchema()),
		HandleGetConversation(client),
	)
	mcpServer.AddTool(
		mcp.NewToolWithRawSchema("delete-conversation", "Delete a conversation and its metadata", GetConversationSchema()),
		HandleDeleteConversation(client),
	)
	return mcpServer
}

func GetChatSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"message": {"type": "string", "description": "The customer's message"},
			"conversation_id": {"type": "string", "description": "Existing conversation to continue; omit to start a new one"}
		},
		"required": ["message"]
	}`)
}

func GetConversationSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"conversation_id": {"type": "string", "description": "Conversation identifier"}
		},
		"required": ["conversation_id"]
	}`)
}

func stringArg(args map[string]interface{}, name string) string {
	s, _ := args[name].(string)
	return s
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func HandleChat(client *RAGClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		message := stringArg(args, "message")
		if strings.TrimSpace(message) == "" {
			return mcp.NewToolResultError("message is required"), nil
		}
		resp, err := client.Chat(ctx, orchestrator.TurnRequest{
			Message:        message,
			ConversationID: stringArg(args, "conversation_id"),
		})
		if err != nil {
			return mcp.NewToolResultError("Internal server error"), nil
		}
		return jsonResult(resp)
	}
}

func HandleGetConversation(client *RAGClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := stringArg(request.GetArguments(), "conversation_id")
		if id == "" {
			return mcp.NewToolResultError("conversation_id is required"), nil
		}
		msgs := client.Memory().GetConversation(ctx, id)
		if len(msgs) == 0 {
			return mcp.NewToolResultError("Conversation not found"), nil
		}
		return jsonResult(msgs)
	}
}

func HandleDeleteConversation(client *RAGClient) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := stringArg(request.GetArguments(), "conversation_id")
		if id == "" {
			return mcp.NewToolResultError("conversation_id is required"), nil
		}
		m := client.Memory()
		if _, ok := m.GetConversationMetadata(ctx, id); !ok {
			return mcp.NewToolResultError("Conversation not found"), nil
		}
		if !m.DeleteConversation(ctx, id) {
			return mcp.NewToolResultError("Internal server error"), nil
		}
		return jsonResult(statusResponse{Status: "success", Message: "Conversation deleted"})
	}
}
