// Package mcpserver implements the MCP protocol session over the voice notes
// tool catalog and the line-delimited stdio transport that drives it.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/voicenotes/internal/apperr"
	"github.com/starford/voicenotes/internal/tools"
)

// Server identity reported by initialize.
const (
	ServerName    = "voice-notes-mcp"
	ServerVersion = "1.0.0"
)

// State is the lifecycle state of a session.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Catalog is the tool surface a session dispatches to.
type Catalog interface {
	Tools() []mcp.Tool
	Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

type serverCapabilities struct {
	Tools   struct{} `json:"tools"`
	Logging struct{} `json:"logging"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}

// Server is one protocol session. Messages are handled one at a time.
type Server struct {
	mu       sync.Mutex
	state    State
	catalog  Catalog
	logger   *slog.Logger
	logLevel *slog.LevelVar
}

// Option configures a Server.
type Option func(*Server)

// WithLogLevel lets logging/setLevel adjust lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(s *Server) { s.logLevel = lv }
}

// New creates a session in the uninitialized state.
func New(catalog Catalog, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{catalog: catalog, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close moves the session to the closed state. Later messages are ignored.
func (s *Server) Close() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

// HandleMessage processes one raw JSON-RPC message and returns the encoded
// response, or nil when the message needs none.
func (s *Server) HandleMessage(ctx context.Context, raw []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	resp := s.handle(ctx, raw)
	if resp == nil {
		return nil
	}
	out, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("session: encode response", slog.String("error", err.Error()))
		out, _ = json.Marshal(errorResponse(resp.ID, codeInternalError, "Internal error: encode response"))
	}
	return out
}

func (s *Server) handle(ctx context.Context, raw []byte) *response {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.logger.Warn("session: parse error", slog.String("error", err.Error()))
		return errorResponse(nil, codeParseError, "Parse error")
	}
	if req.JSONRPC != jsonRPCVersion || req.Method == "" {
		if req.isNotification() {
			return nil
		}
		return errorResponse(req.ID, codeInvalidRequest, "Invalid Request")
	}

	if req.isNotification() {
		if req.Method == methodNotificationsInitialized {
			s.logger.Debug("session: client initialized")
		}
		return nil
	}

	switch req.Method {
	case methodInitialize:
		return s.initialize(req)
	case methodPing:
		return resultResponse(req.ID, struct{}{})
	case methodToolsList:
		if s.state != StateInitialized {
			return s.notInitialized(req)
		}
		return resultResponse(req.ID, mcp.ListToolsResult{Tools: s.catalog.Tools()})
	case methodToolsCall:
		if s.state != StateInitialized {
			return s.notInitialized(req)
		}
		return s.callTool(ctx, req)
	case methodLoggingSetLevel:
		return s.setLevel(req)
	default:
		return errorResponse(req.ID, codeMethodNotFound, "Method not found: "+req.Method)
	}
}

func (s *Server) notInitialized(req request) *response {
	s.logger.Warn("session: request rejected",
		slog.String("method", req.Method), slog.String("error", apperr.ErrNotInitialized.Error()))
	return errorResponse(req.ID, codeNotInitialized, "Server not initialized")
}

func (s *Server) initialize(req request) *response {
	var params struct {
		ProtocolVersion string             `json:"protocolVersion"`
		ClientInfo      mcp.Implementation `json:"clientInfo"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, codeInvalidParams, "Invalid params: "+err.Error())
		}
	}
	s.state = StateInitialized
	s.logger.Info("session: initialized",
		slog.String("client", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("protocol", params.ProtocolVersion))

	return resultResponse(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      mcp.Implementation{Name: ServerName, Version: ServerVersion},
	})
}

func (s *Server) callTool(ctx context.Context, req request) (resp *response) {
	var call mcp.CallToolRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &call.Params); err != nil {
			return errorResponse(req.ID, codeInvalidParams, "Invalid params: "+err.Error())
		}
	}
	if call.Params.Name == "" {
		return errorResponse(req.ID, codeInvalidParams, "Invalid params: missing tool name")
	}
	args := call.GetArguments()
	if args == nil && call.Params.Arguments != nil {
		return errorResponse(req.ID, codeInvalidParams, "Invalid params: arguments must be an object")
	}

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("session: tool panicked",
				slog.String("tool", call.Params.Name), slog.String("panic", fmt.Sprint(p)))
			resp = errorResponse(req.ID, codeInternalError, fmt.Sprintf("Internal error: %v", p))
		}
	}()

	result, err := s.catalog.Call(ctx, call.Params.Name, args)
	if err != nil {
		var argErr *tools.ArgumentError
		switch {
		case errors.Is(err, tools.ErrUnknownTool):
			return errorResponse(req.ID, codeInvalidParams, "Unknown tool: "+call.Params.Name)
		case errors.As(err, &argErr):
			return errorResponse(req.ID, codeInvalidParams, "Invalid params: "+argErr.Error())
		default:
			s.logger.Error("session: tool failed",
				slog.String("tool", call.Params.Name), slog.String("error", err.Error()))
			return errorResponse(req.ID, codeInternalError, "Internal error: "+err.Error())
		}
	}
	return resultResponse(req.ID, result)
}

func (s *Server) setLevel(req request) *response {
	var params struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Level == "" {
		return errorResponse(req.ID, codeInvalidParams, "Invalid params: level is required")
	}
	level, ok := parseLogLevel(params.Level)
	if !ok {
		return errorResponse(req.ID, codeInvalidParams, "Invalid params: unknown level "+params.Level)
	}
	if s.logLevel != nil {
		s.logLevel.Set(level)
	}
	s.logger.Info("session: log level set", slog.String("level", params.Level))
	return resultResponse(req.ID, struct{}{})
}

// parseLogLevel maps MCP (syslog style) levels onto slog levels.
func parseLogLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "notice":
		return slog.LevelInfo, true
	case "warning":
		return slog.LevelWarn, true
	case "error", "critical", "alert", "emergency":
		return slog.LevelError, true
	default:
		return 0, false
	}
}
