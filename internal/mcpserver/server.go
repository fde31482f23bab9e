// Package mcpserver exposes a user's projects as MCP tools over stdio. The
// server acts as one session of one user: keys unlocked through it live in
// that session and are purged when it stops.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/sigil/internal/apperr"
	"github.com/starford/sigil/internal/vault"
)

// Server wraps the MCP server with Sigil tools.
type Server struct {
	mcp   *server.MCPServer
	svc   *vault.Service
	actor vault.Actor
}

// New creates an MCP server acting as actor.
func New(svc *vault.Service, actor vault.Actor) *Server {
	s := &Server{svc: svc, actor: actor}

	s.mcp = server.NewMCPServer(
		"Sigil",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	s.mcp.AddTool(mcp.NewTool("list_projects",
		mcp.WithDescription("List your projects and whether each is encrypted."),
	), s.listProjects)

	s.mcp.AddTool(mcp.NewTool("unlock_project",
		mcp.WithDescription("Unlock an encrypted project for this session so its content can be read and captured."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project ID")),
		mcp.WithString("passphrase", mcp.Required(), mcp.Description("Project passphrase")),
	), s.unlockProject)

	s.mcp.AddTool(mcp.NewTool("lock_project",
		mcp.WithDescription("Forget this session's key for a project."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project ID")),
	), s.lockProject)

	s.mcp.AddTool(mcp.NewTool("session_status",
		mcp.WithDescription("Report whether a project is unlocked for this session."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project ID")),
	), s.sessionStatus)

	s.mcp.AddTool(mcp.NewTool("capture_chunk",
		mcp.WithDescription("Store a piece of text in a project. Encrypted projects must be unlocked first."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project ID")),
		mcp.WithString("payload", mcp.Required(), mcp.Description("Text to store")),
		mcp.WithString("source", mcp.Description("Where the text came from, e.g. a URL")),
	), s.captureChunk)

	s.mcp.AddTool(mcp.NewTool("read_chunk",
		mcp.WithDescription("Read one chunk of a project."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project ID")),
		mcp.WithString("chunk_id", mcp.Required(), mcp.Description("Chunk ID")),
	), s.readChunk)

	s.mcp.AddTool(mcp.NewTool("list_chunks",
		mcp.WithDescription("List chunks of a project, oldest first."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project ID")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 20)")),
		mcp.WithNumber("offset", mcp.Description("Page offset")),
	), s.listChunks)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// toolError turns a domain error into a tool error without leaking detail
// about failed decryption.
func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrDecryptionFailed):
		return mcp.NewToolResultError("unlock failed")
	case errors.Is(err, apperr.ErrSessionLocked):
		return mcp.NewToolResultError("project is locked; call unlock_project first")
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError("not found")
	case errors.Is(err, apperr.ErrCorruptedRecord):
		return mcp.NewToolResultError("corrupted record")
	default:
		return mcp.NewToolResultError(err.Error())
	}
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

func (s *Server) listProjects(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ps, err := s.svc.ListProjects(ctx, s.actor)
	if err != nil {
		return toolError(err), nil
	}
	type item struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Encrypted bool   `json:"encrypted"`
	}
	out := make([]item, 0, len(ps))
	for i := range ps {
		out = append(out, item{ID: ps[i].ID, Name: ps[i].Name, Encrypted: ps[i].Encrypted()})
	}
	return jsonResult(out), nil
}

func (s *Server) unlockProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pass, err := req.RequireString("passphrase")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.Unlock(ctx, s.actor, id, pass); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText("unlocked: " + id), nil
}

func (s *Server) lockProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.Lock(ctx, s.actor, id); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText("locked: " + id), nil
}

func (s *Server) sessionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st, err := s.svc.Status(ctx, s.actor, id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(st), nil
}

func (s *Server) captureChunk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload, err := req.RequireString("payload")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	v, err := s.svc.Ingest(ctx, s.actor, vault.IngestRequest{
		Source:    req.GetString("source", ""),
		ProjectID: id,
		Payload:   payload,
	})
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText("captured: " + v.ID), nil
}

func (s *Server) readChunk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	chunkID, err := req.RequireString("chunk_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	v, err := s.svc.ReadChunk(ctx, s.actor, id, chunkID)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(v.Content), nil
}

func (s *Server) listChunks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	items, total, err := s.svc.ListChunks(ctx, s.actor, id, req.GetInt("limit", 20), req.GetInt("offset", 0))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]any{"chunks": items, "total": total}), nil
}
