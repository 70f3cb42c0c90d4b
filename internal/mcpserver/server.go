// Package mcpserver implements an MCP (Model Context Protocol) server that
// exposes the context rule store as typed tools over stdio JSON-RPC. It is a
// thin routing layer: every tool maps to a store, correction-engine, or
// session-initializer method and serializes the structured result.
package mcpserver

import (
	"context"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/contextd/contextd/internal/config"
	"github.com/contextd/contextd/internal/contextstore"
	"github.com/contextd/contextd/internal/memoryservice"
	"github.com/contextd/contextd/internal/sessioninit"
)

// Server holds the MCP server dependencies. init and mem are nil when the
// memory integration is disabled; the corresponding tools are then not
// registered.
type Server struct {
	store *contextstore.Store
	init  *sessioninit.Initializer
	mem   memoryservice.Service
}

// New creates an MCP server backed by the given store. init and mem may be
// nil to run without the memory integration.
func New(store *contextstore.Store, init *sessioninit.Initializer, mem memoryservice.Service) *Server {
	return &Server{store: store, init: init, mem: mem}
}

// Run starts the MCP stdio server. It blocks until the context is cancelled
// or stdin is closed.
func (s *Server) Run(ctx context.Context) error {
	mcpServer := server.NewMCPServer(
		"contextd",
		config.Version,
		server.WithToolCapabilities(true),
	)

	tools := []server.ServerTool{
		{Tool: getToolContextTool(), Handler: s.handleGetToolContext},
		{Tool: getSyntaxRulesTool(), Handler: s.handleGetSyntaxRules},
		{Tool: getPreferencesTool(), Handler: s.handleGetPreferences},
		{Tool: listContextsTool(), Handler: s.handleListContexts},
		{Tool: applyCorrectionsTool(), Handler: s.handleApplyCorrections},
		{Tool: createContextTool(), Handler: s.handleCreateContext},
		{Tool: updateContextTool(), Handler: s.handleUpdateContext},
		{Tool: addPatternTool(), Handler: s.handleAddPattern},
	}
	if s.init != nil {
		tools = append(tools,
			server.ServerTool{Tool: initializeSessionTool(), Handler: s.handleInitializeSession},
			server.ServerTool{Tool: sessionStatusTool(), Handler: s.handleSessionStatus},
		)
	}
	if s.mem != nil {
		tools = append(tools, server.ServerTool{Tool: memoryStatsTool(), Handler: s.handleMemoryStats})
	}
	mcpServer.AddTools(tools...)

	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(log.New(os.Stderr, "[mcp] ", log.LstdFlags))

	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}
