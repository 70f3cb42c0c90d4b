package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/contextd/contextd/internal/memoryservice"
)

// --- Tool Definitions ---

func getToolContextTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_tool_context",
		"Get the full context document for a specific tool. Tool names may be namespaced as 'category:specific'; resolution uses the category prefix.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"tool_name": {
					"type": "string",
					"description": "Name of the tool to get context for"
				}
			},
			"required": ["tool_name"]
		}`),
	)
}

func getSyntaxRulesTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_syntax_rules",
		"Get the syntax rules section of a tool's context.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"tool_name": {
					"type": "string",
					"description": "Name of the tool to get syntax rules for"
				}
			},
			"required": ["tool_name"]
		}`),
	)
}

func getPreferencesTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_preferences",
		"Get the user preferences section of a tool's context.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"tool_name": {
					"type": "string",
					"description": "Name of the tool to get preferences for"
				}
			},
			"required": ["tool_name"]
		}`),
	)
}

func listContextsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"list_available_contexts",
		"List all loaded context names.",
		json.RawMessage(`{
			"type": "object",
			"properties": {},
			"required": []
		}`),
	)
}

func applyCorrectionsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"apply_auto_corrections",
		"Apply a tool context's ordered auto-correction rules to text and return the corrected text.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"tool_name": {
					"type": "string",
					"description": "Name of the tool whose corrections apply"
				},
				"text": {
					"type": "string",
					"description": "Text to apply corrections to"
				}
			},
			"required": ["tool_name", "text"]
		}`),
	)
}

func createContextTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"create_context",
		"Create a new context document. Fails if a document with the name already exists on disk.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"context_name": {
					"type": "string",
					"description": "Name of the new context (alphanumeric, underscores, hyphens)"
				},
				"tool_category": {
					"type": "string",
					"description": "Tool category the context applies to"
				},
				"rules": {
					"type": "object",
					"description": "Initial document content; must include a description"
				}
			},
			"required": ["context_name", "tool_category", "rules"]
		}`),
	)
}

func updateContextTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"update_context_rules",
		"Update an existing context document. Top-level keys are replaced; metadata is deep-merged. The previous file is backed up first.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"context_name": {
					"type": "string",
					"description": "Name of the context to update"
				},
				"updates": {
					"type": "object",
					"description": "Top-level fields to merge into the document"
				}
			},
			"required": ["context_name", "updates"]
		}`),
	)
}

func addPatternTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"add_context_pattern",
		"Insert or overwrite a trigger pattern in a context's auto_store_triggers or auto_retrieve_triggers section.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"context_name": {
					"type": "string",
					"description": "Name of the context to modify"
				},
				"section": {
					"type": "string",
					"enum": ["auto_store_triggers", "auto_retrieve_triggers"],
					"description": "Trigger section to modify"
				},
				"pattern_name": {
					"type": "string",
					"description": "Name of the pattern entry"
				},
				"pattern_config": {
					"type": "object",
					"description": "Pattern configuration (patterns, action, tags)"
				}
			},
			"required": ["context_name", "section", "pattern_name", "pattern_config"]
		}`),
	)
}

func initializeSessionTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"initialize_session",
		"Run the startup actions of every context with session initialization enabled and return the aggregated session status.",
		json.RawMessage(`{
			"type": "object",
			"properties": {},
			"required": []
		}`),
	)
}

func sessionStatusTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_session_status",
		"Get the status record of the most recent session initialization run.",
		json.RawMessage(`{
			"type": "object",
			"properties": {},
			"required": []
		}`),
	)
}

func memoryStatsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_memory_stats",
		"Get memory-service backend statistics.",
		json.RawMessage(`{
			"type": "object",
			"properties": {},
			"required": []
		}`),
	)
}

// --- Tool Handlers ---

// toolArgs is shared by the read-only per-tool lookups.
type toolArgs struct {
	ToolName string `json:"tool_name"`
}

func (s *Server) handleGetToolContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args toolArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ToolName == "" {
		return mcp.NewToolResultError("tool_name is required"), nil
	}

	doc, ok := s.store.GetByTool(args.ToolName)
	if !ok {
		// No rules apply; resolution degrades to an empty document.
		return resultJSON(map[string]any{})
	}
	return resultJSON(doc)
}

func (s *Server) handleGetSyntaxRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args toolArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ToolName == "" {
		return mcp.NewToolResultError("tool_name is required"), nil
	}
	return resultJSON(s.store.SyntaxRules(args.ToolName))
}

func (s *Server) handleGetPreferences(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args toolArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ToolName == "" {
		return mcp.NewToolResultError("tool_name is required"), nil
	}
	return resultJSON(s.store.Preferences(args.ToolName))
}

func (s *Server) handleListContexts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return resultJSON(s.store.Names())
}

// correctionsArgs mirrors the JSON schema for apply_auto_corrections.
type correctionsArgs struct {
	ToolName string `json:"tool_name"`
	Text     string `json:"text"`
}

func (s *Server) handleApplyCorrections(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args correctionsArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ToolName == "" || args.Text == "" {
		return mcp.NewToolResultError("tool_name and text are required"), nil
	}
	return mcp.NewToolResultText(s.store.ApplyCorrections(args.ToolName, args.Text)), nil
}

// createArgs mirrors the JSON schema for create_context.
type createArgs struct {
	ContextName  string         `json:"context_name"`
	ToolCategory string         `json:"tool_category"`
	Rules        map[string]any `json:"rules"`
}

func (s *Server) handleCreateContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args createArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ContextName == "" || args.ToolCategory == "" {
		return mcp.NewToolResultError("context_name and tool_category are required"), nil
	}
	if args.Rules == nil {
		args.Rules = map[string]any{}
	}
	return resultJSON(s.store.Create(args.ContextName, args.ToolCategory, args.Rules))
}

// updateArgs mirrors the JSON schema for update_context_rules.
type updateArgs struct {
	ContextName string         `json:"context_name"`
	Updates     map[string]any `json:"updates"`
}

func (s *Server) handleUpdateContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args updateArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ContextName == "" || len(args.Updates) == 0 {
		return mcp.NewToolResultError("context_name and a non-empty updates object are required"), nil
	}
	return resultJSON(s.store.Update(args.ContextName, args.Updates))
}

// patternArgs mirrors the JSON schema for add_context_pattern.
type patternArgs struct {
	ContextName   string         `json:"context_name"`
	Section       string         `json:"section"`
	PatternName   string         `json:"pattern_name"`
	PatternConfig map[string]any `json:"pattern_config"`
}

func (s *Server) handleAddPattern(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args patternArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ContextName == "" || args.Section == "" || args.PatternName == "" {
		return mcp.NewToolResultError("context_name, section, and pattern_name are required"), nil
	}
	if args.PatternConfig == nil {
		return mcp.NewToolResultError("pattern_config is required"), nil
	}
	return resultJSON(s.store.AddPattern(args.ContextName, args.Section, args.PatternName, args.PatternConfig))
}

func (s *Server) handleInitializeSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return resultJSON(s.init.Run(ctx))
}

func (s *Server) handleSessionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, ok := s.init.Status()
	if !ok {
		return resultJSON(map[string]any{
			"initialized": false,
			"message":     "no session initialization has run yet",
		})
	}
	return resultJSON(status)
}

func (s *Server) handleMemoryStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.mem.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("memory stats: %v", err)), nil
	}
	return resultJSON(struct {
		Success bool `json:"success"`
		memoryservice.Stats
	}{true, stats})
}

// resultJSON marshals v to JSON and returns it as a tool result.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
