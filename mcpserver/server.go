// Package mcpserver exposes the browser automation tools over the Model
// Context Protocol (stdio), forwarding every call through an AutoHub client.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/teranos/tabhub/autohub"
	"github.com/teranos/tabhub/internal/version"
)

// Server wraps an AutoHub client and exposes it via Model Context Protocol.
type Server struct {
	client  *autohub.Client
	server  *server.MCPServer
	logger  *zap.SugaredLogger
	timeout time.Duration
}

// NewServer creates an MCP server bound to a connected AutoHub client.
func NewServer(client *autohub.Client, timeout time.Duration, logger *zap.SugaredLogger) *Server {
	s := &Server{
		client:  client,
		logger:  logger,
		timeout: timeout,
	}

	s.server = server.NewMCPServer(
		"tabhub",
		version.Get().Version,
		server.WithToolCapabilities(true),
	)

	s.registerTools()
	return s
}

// registerTools declares the browser tool surface. Whether a tool is async
// is explicit here, never inferred from its name: async tools return
// {operationId, status:"started"} immediately and complete via progress
// milestones observable through await_operation.
func (s *Server) registerTools() {
	tabCreate := mcp.NewTool("tab_create",
		mcp.WithDescription("Open a new browser tab, optionally at a URL"),
		mcp.WithString("url",
			mcp.Description("URL to open (defaults to the application home page)"),
		),
	)
	s.server.AddTool(tabCreate, s.forwardSync("tab_create"))

	tabList := mcp.NewTool("tab_list",
		mcp.WithDescription("List open browser tabs managed by the extension"),
	)
	s.server.AddTool(tabList, s.forwardSync("tab_list"))

	tabClose := mcp.NewTool("tab_close",
		mcp.WithDescription("Close a browser tab"),
		mcp.WithNumber("tabId",
			mcp.Required(),
			mcp.Description("Tab id from tab_create or tab_list"),
		),
	)
	s.server.AddTool(tabClose, s.forwardSync("tab_close"))

	tabSendMessage := mcp.NewTool("tab_send_message",
		mcp.WithDescription("Send a chat message in a tab. Async: returns an operationId immediately; completion arrives as progress milestones"),
		mcp.WithNumber("tabId",
			mcp.Required(),
			mcp.Description("Target tab id"),
		),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("Message text to send"),
		),
	)
	s.server.AddTool(tabSendMessage, s.forwardAsync("tab_send_message"))

	tabGetResponse := mcp.NewTool("tab_get_response",
		mcp.WithDescription("Retrieve the latest assistant response from a tab"),
		mcp.WithNumber("tabId",
			mcp.Required(),
			mcp.Description("Target tab id"),
		),
	)
	s.server.AddTool(tabGetResponse, s.forwardSync("tab_get_response"))

	tabExecuteScript := mcp.NewTool("tab_execute_script",
		mcp.WithDescription("Run a script in a tab's page context and return its result"),
		mcp.WithNumber("tabId",
			mcp.Required(),
			mcp.Description("Target tab id"),
		),
		mcp.WithString("script",
			mcp.Required(),
			mcp.Description("Script source to evaluate"),
		),
	)
	s.server.AddTool(tabExecuteScript, s.forwardSync("tab_execute_script"))

	conversationDelete := mcp.NewTool("conversation_delete",
		mcp.WithDescription("Delete a conversation in the web application"),
		mcp.WithString("conversationId",
			mcp.Required(),
			mcp.Description("Conversation identifier"),
		),
	)
	s.server.AddTool(conversationDelete, s.forwardSync("conversation_delete"))

	networkStart := mcp.NewTool("network_monitor_start",
		mcp.WithDescription("Start capturing network activity in a tab"),
		mcp.WithNumber("tabId",
			mcp.Required(),
			mcp.Description("Target tab id"),
		),
	)
	s.server.AddTool(networkStart, s.forwardSync("network_monitor_start"))

	networkStop := mcp.NewTool("network_monitor_stop",
		mcp.WithDescription("Stop capturing network activity in a tab and return captured entries"),
		mcp.WithNumber("tabId",
			mcp.Required(),
			mcp.Description("Target tab id"),
		),
	)
	s.server.AddTool(networkStop, s.forwardSync("network_monitor_stop"))

	awaitOperation := mcp.NewTool("await_operation",
		mcp.WithDescription("Block until an async operation reaches a terminal milestone"),
		mcp.WithString("operationId",
			mcp.Required(),
			mcp.Description("Operation id returned by an async tool"),
		),
		mcp.WithNumber("timeoutMs",
			mcp.Description("Maximum wait in milliseconds (defaults to the operation timeout)"),
		),
	)
	s.server.AddTool(awaitOperation, s.handleAwaitOperation)

	cancelOperation := mcp.NewTool("cancel_operation",
		mcp.WithDescription("Request best-effort cancellation of an async operation"),
		mcp.WithString("operationId",
			mcp.Required(),
			mcp.Description("Operation id returned by an async tool"),
		),
	)
	s.server.AddTool(cancelOperation, s.handleCancelOperation)

	listClients := mcp.NewTool("list_clients",
		mcp.WithDescription("List tool clients registered with the hub"),
	)
	s.server.AddTool(listClients, s.forwardSync("list_clients"))

	hubStatus := mcp.NewTool("hub_status",
		mcp.WithDescription("Report hub state, uptime, and connected peers"),
	)
	s.server.AddTool(hubStatus, s.forwardSync("hub_status"))
}

// forwardSync builds a handler that forwards the call and waits for the
// automator's response.
func (s *Server) forwardSync(toolName string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		frame, err := s.client.SendRequest(ctx, toolName, request.GetArguments(), s.timeout)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		result, ok := frame.Raw("result")
		if !ok {
			return mcp.NewToolResultText("{}"), nil
		}
		return mcp.NewToolResultText(string(result)), nil
	}
}

// forwardAsync builds a handler that attaches an operation id, dispatches
// the work, and returns immediately. The operation id is carried at the top
// level of the request frame (where the hub tracks ownership), not inside
// the tool params. The automator's eventual response is consumed in the
// background; callers follow progress via await_operation.
func (s *Server) forwardAsync(toolName string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		operationID := uuid.NewString()

		go func() {
			frame, err := s.client.StartOperation(context.Background(), toolName, request.GetArguments(), operationID, s.timeout)
			if err != nil {
				s.logger.Warnw("Async tool dispatch failed",
					"tool", toolName,
					"operation_id", operationID,
					"error", err.Error(),
				)
				return
			}
			if raw, ok := frame.Raw("result"); ok {
				s.logger.Debugw("Async tool acknowledged",
					"tool", toolName,
					"operation_id", operationID,
					"result_bytes", len(raw),
				)
			}
		}()

		started, err := json.Marshal(map[string]string{
			"operationId": operationID,
			"status":      "started",
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(started)), nil
	}
}

func (s *Server) handleAwaitOperation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	operationID, err := request.RequireString("operationId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	timeout := s.timeout
	if ms := request.GetInt("timeoutMs", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	frame, err := s.client.WaitForOperation(ctx, operationID, timeout)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("await_operation failed: %v", err)), nil
	}

	result, ok := frame.Raw("result")
	if !ok {
		return mcp.NewToolResultText("{}"), nil
	}
	return mcp.NewToolResultText(string(result)), nil
}

func (s *Server) handleCancelOperation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	operationID, err := request.RequireString("operationId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	frame, err := s.client.CancelOperation(ctx, operationID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel_operation failed: %v", err)), nil
	}

	result, ok := frame.Raw("result")
	if !ok {
		return mcp.NewToolResultText("{}"), nil
	}
	return mcp.NewToolResultText(string(result)), nil
}

// Serve runs the MCP server on stdio until the transport closes.
func (s *Server) Serve() error {
	return server.ServeStdio(s.server)
}
