package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quantsys/atabus/internal/audit"
	"github.com/quantsys/atabus/internal/cachemanager"
	"github.com/quantsys/atabus/internal/log"
	"github.com/quantsys/atabus/internal/tracing"
)

// Scope is the access tier of a tool.
type Scope string

const (
	// ScopeAdmin tools fail closed without auth_ctx.is_admin.
	ScopeAdmin Scope = "admin"
	// ScopePublic tools run for any caller; per-tool gates still apply.
	ScopePublic Scope = "public"
	// ScopeSystem tools require an authenticated caller but not admin.
	ScopeSystem Scope = "system"
)

// AuthContext is the implicit identity attached to every tool call.
type AuthContext struct {
	Caller    string
	IsAdmin   bool
	UserAgent string
}

// Handler executes one tool call. Returned maps always carry "success".
type Handler func(ctx context.Context, auth AuthContext, args map[string]any) (map[string]any, error)

// replayTTL is how long an idempotent tool result is held for replay.
// Queue and bridge writes have their own persistent dedupe tables; this
// covers the in-process surfaces (inbox, board, registry, outbox).
const replayTTL = 24 * time.Hour

// Server dispatches tool calls over JSON-RPC (HTTP or stdio).
type Server struct {
	info         ServerInfo
	instructions string

	mu       sync.RWMutex
	tools    map[string]Tool
	scopes   map[string]Scope
	handlers map[string]Handler

	auditor *audit.Logger
	tracer  *tracing.Provider
	replay  cachemanager.CacheManager[string, map[string]any]

	adminTokens map[string]bool
	stdioAuth   AuthContext
}

// Option configures a Server.
type Option func(*Server)

// WithInstructions sets the instructions string sent during initialize.
func WithInstructions(instructions string) Option {
	return func(s *Server) { s.instructions = instructions }
}

// WithAdminTokens sets the bearer tokens that grant admin scope over HTTP.
func WithAdminTokens(tokens []string) Option {
	return func(s *Server) {
		for _, token := range tokens {
			if token != "" {
				s.adminTokens[token] = true
			}
		}
	}
}

// WithStdioAuth sets the identity attached to stdio-transport calls.
func WithStdioAuth(auth AuthContext) Option {
	return func(s *Server) { s.stdioAuth = auth }
}

// NewServer creates a tool server. auditor and tracer may not be nil.
func NewServer(name, version string, auditor *audit.Logger, tracer *tracing.Provider, opts ...Option) *Server {
	s := &Server{
		info:        ServerInfo{Name: name, Version: version},
		tools:       make(map[string]Tool),
		scopes:      make(map[string]Scope),
		handlers:    make(map[string]Handler),
		auditor:     auditor,
		tracer:      tracer,
		adminTokens: make(map[string]bool),
		replay: cachemanager.NewInMemoryCacheManager[string, map[string]any](
			"tool-replay", replayTTL, cachemanager.DefaultCleanupInterval),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTool registers a tool with its scope and handler.
func (s *Server) RegisterTool(tool Tool, scope Scope, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.Name] = tool
	s.scopes[tool.Name] = scope
	s.handlers[tool.Name] = handler
	log.Debug(log.CatBus, "Registered tool", "name", tool.Name, "scope", scope)
}

// Dispatch runs one tool call through the gate, replay, and audit chain.
// Tool-level failures come back as {success:false, error:...} with a nil
// Go error; only transport-level problems return an error.
func (s *Server) Dispatch(ctx context.Context, auth AuthContext, name string, args map[string]any) (map[string]any, error) {
	s.mu.RLock()
	_, ok := s.handlers[name]
	scope := s.scopes[name]
	s.mu.RUnlock()
	if !ok {
		return nil, NewToolNotFound(name)
	}

	ctx, span, traceID := s.tracer.StartToolSpan(ctx, name, auth.Caller)
	defer span.End()

	start := time.Now()
	result, err := s.execute(ctx, auth, scope, name, args)
	latency := time.Since(start)

	success := err == nil && boolOf(result["success"])
	rec := audit.Record{
		Tool:      name,
		Caller:    auth.Caller,
		UserAgent: auth.UserAgent,
		Scope:     string(scope),
		TraceID:   traceID,
		Success:   success,
		Latency:   latency,
		Params:    args,
		Err:       err,
	}
	if err == nil && !success {
		if msg, ok := result["error"].(string); ok {
			rec.Err = fmt.Errorf("%s", msg)
		}
	}
	s.auditor.Append(rec)

	if err != nil {
		log.Debug(log.CatBus, "Tool execution failed", "name", name, "error", err)
		return map[string]any{"success": false, "error": err.Error()}, nil
	}
	return result, nil
}

func (s *Server) execute(ctx context.Context, auth AuthContext, scope Scope, name string, args map[string]any) (map[string]any, error) {
	// The admin gate runs before everything, including replay lookup.
	if scope == ScopeAdmin && !auth.IsAdmin {
		return map[string]any{
			"success": false,
			"error":   fmt.Sprintf("ADMIN_REQUIRED: %s requires ATA admin privileges (fail-closed)", name),
		}, nil
	}
	if scope == ScopeSystem && auth.Caller == "" && !auth.IsAdmin {
		return map[string]any{
			"success": false,
			"error":   fmt.Sprintf("UNAUTHENTICATED: %s requires an authenticated system caller", name),
		}, nil
	}

	requestID, _ := args["request_id"].(string)
	replayKey := ""
	if requestID != "" {
		replayKey = name + "|" + requestID
		if cached, ok := s.replay.Get(ctx, replayKey); ok {
			log.Debug(log.CatBus, "Replaying cached tool result", "name", name, "requestID", requestID)
			return cached, nil
		}
	}

	result, err := s.handlers[name](ctx, auth, args)
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}, nil
	}
	if result == nil {
		result = map[string]any{}
	}
	if _, ok := result["success"]; !ok {
		result["success"] = true
	}

	if replayKey != "" {
		s.replay.Set(ctx, replayKey, result, replayTTL)
	}
	return result, nil
}

// Routes registers the HTTP transport on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/bus", s.handleHTTP)
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}

	auth := s.httpAuth(r)
	response := s.handleRequestBytes(r.Context(), auth, body)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(response); err != nil {
		log.Debug(log.CatBus, "Failed to write response", "error", err)
	}
}

// httpAuth derives the auth context from request headers. Admin scope
// comes only from a matching bearer token.
func (s *Server) httpAuth(r *http.Request) AuthContext {
	auth := AuthContext{
		Caller:    r.Header.Get("X-Agent-ID"),
		UserAgent: r.Header.Get("User-Agent"),
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		auth.IsAdmin = s.adminTokens[strings.TrimPrefix(header, "Bearer ")]
	}
	return auth
}

// handleRequestBytes processes one JSON-RPC request and returns response
// bytes. Shared by the HTTP and stdio transports.
func (s *Server) handleRequestBytes(ctx context.Context, auth AuthContext, body []byte) []byte {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		data, _ := json.Marshal(NewErrorResponse(nil, NewParseError(err.Error())))
		return data
	}

	if len(req.ID) == 0 || string(req.ID) == "null" {
		// Notifications get no response.
		return []byte("{}")
	}

	var result any
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result = InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      s.info,
			Instructions:    s.instructions,
		}
	case "tools/list":
		result = s.toolsList()
	case "tools/call":
		result, rpcErr = s.toolsCall(ctx, auth, req.Params)
	case "ping":
		result = struct{}{}
	default:
		rpcErr = NewMethodNotFound(req.Method)
	}

	var resp *Response
	if rpcErr != nil {
		resp = NewErrorResponse(req.ID, rpcErr)
	} else {
		resp = NewResponse(req.ID, result)
	}
	data, _ := json.Marshal(resp)
	return data
}

func (s *Server) toolsList() ToolsListResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools := make([]Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		tools = append(tools, tool)
	}
	return ToolsListResult{Tools: tools}
}

// rawArgNames are argument names whose JSON byte order is significant.
// The transport keeps their original bytes alongside the decoded value so
// handlers can validate field order as the client actually sent it.
var rawArgNames = map[string]bool{"pack": true}

func (s *Server) toolsCall(ctx context.Context, auth AuthContext, params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}
	var raw struct {
		Arguments map[string]json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &raw); err == nil {
		for name := range rawArgNames {
			if b, ok := raw.Arguments[name]; ok {
				p.Arguments[name] = b
			}
		}
	}
	result, err := s.Dispatch(ctx, auth, p.Name, p.Arguments)
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			return nil, rpcErr
		}
		return nil, NewInvalidParams(err.Error())
	}
	return result, nil
}

// Serve runs the stdio transport: newline-delimited JSON-RPC on stdin,
// responses on stdout. Calls carry the configured stdio identity.
func (s *Server) Serve(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	scanner := bufio.NewScanner(stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var writeMu sync.Mutex
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		response := s.handleRequestBytes(ctx, s.stdioAuth, line)

		writeMu.Lock()
		_, err := stdout.Write(append(response, '\n'))
		writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("writing response: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

func boolOf(v any) bool {
	b, ok := v.(bool)
	return ok && b
}
