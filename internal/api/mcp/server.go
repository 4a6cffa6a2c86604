package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/grimoire/internal/config"
	"github.com/scrypster/grimoire/internal/repository"
	"github.com/scrypster/grimoire/internal/storage"
	"github.com/scrypster/grimoire/pkg/types"
)

const timeFormat = time.RFC3339

// entityRepository is the subset of *repository.Repository used by the
// MCP server. Using an interface keeps the package loosely coupled and
// testable with fakes.
type entityRepository interface {
	EntityType() types.EntityType
	Search(ctx context.Context, req repository.SearchRequest) (*repository.SearchResult, error)
	Get(ctx context.Context, slug string) (*types.Entity, error)
	Stats(ctx context.Context) (storage.TypeStats, error)
	Clear(ctx context.Context) error
}

// Server implements the Model Context Protocol (MCP) for Grimoire.
// It exposes one search tool per entity type plus cache administration
// tools over JSON-RPC 2.0.
type Server struct {
	repos     map[types.EntityType]entityRepository
	config    *config.Config
	sessionID string // unique ID generated once per MCP server lifetime
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithConfig injects a *config.Config into the Server. Callers that
// depend on the config should always supply this option.
func WithConfig(cfg *config.Config) ServerOption {
	return func(s *Server) {
		s.config = cfg
	}
}

// WithRepository registers one repository with the server. The factory
// helper NewServerFromFactory is the usual entry point; this option
// exists so tests can inject fakes one type at a time.
func WithRepository(repo entityRepository) ServerOption {
	return func(s *Server) {
		s.repos[repo.EntityType()] = repo
	}
}

// NewServer creates a new MCP server instance.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		repos:     make(map[types.EntityType]entityRepository),
		sessionID: uuid.New().String(),
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Printf("grimoire-mcp: session ID: %s", s.sessionID)
	return s
}

// NewServerFromFactory creates a server wired with every repository the
// factory holds.
func NewServerFromFactory(factory *repository.Factory, opts ...ServerOption) *Server {
	for _, repo := range factory.All() {
		opts = append(opts, WithRepository(repo))
	}
	return NewServer(opts...)
}

// Config returns the configuration that was injected via WithConfig, or
// nil if no config option was provided.
func (s *Server) Config() *config.Config {
	return s.config
}

// searchToolNames maps tool names to the entity type they search.
var searchToolNames = map[string]types.EntityType{
	"search_spells":            types.TypeSpell,
	"search_creatures":         types.TypeCreature,
	"search_equipment":         types.TypeEquipment,
	"search_character_options": types.TypeCharacterOption,
	"search_rules":             types.TypeRule,
}

// HandleRequest processes a JSON-RPC 2.0 request and returns a response.
// This is the main entry point for MCP protocol handling.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err)
	}

	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	var result interface{}
	var err error

	switch req.Method {
	// Standard MCP protocol methods
	case "initialize":
		result, err = s.handleInitialize(ctx, req.Params)
	case "initialized":
		// Notification, no response body required.
		result = map[string]interface{}{}
	case "tools/list":
		result, err = s.handleToolsList(ctx, req.Params)
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)

	// Native JSON-RPC methods (kept for direct callers and tests)
	case "get_entity":
		result, err = s.handleGetEntity(ctx, req.Params)
	case "cache_stats":
		result, err = s.handleCacheStats(ctx, req.Params)
	case "clear_cache":
		result, err = s.handleClearCache(ctx, req.Params)
	default:
		if entityType, ok := searchToolNames[req.Method]; ok {
			result, err = s.handleSearch(ctx, entityType, req.Params)
			break
		}
		return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	if err != nil {
		code := ErrCodeServerError
		if repository.IsValidationError(err) {
			code = ErrCodeInvalidParams
		}
		return s.errorResponse(req.ID, code, err.Error(), nil)
	}

	return s.successResponse(req.ID, result)
}

// Search runs one search tool call against the repository for
// entityType. Filter parsing errors surface as validation errors; an
// upstream fetch failure over an empty cache surfaces as a hard error,
// while over a populated cache it degrades to stale results.
func (s *Server) Search(ctx context.Context, entityType types.EntityType, args SearchArgs) (*SearchResult, error) {
	repo, ok := s.repos[entityType]
	if !ok {
		return nil, fmt.Errorf("no repository configured for entity type %q", entityType)
	}

	res, err := repo.Search(ctx, repository.SearchRequest{
		RawFilters:    args.Filters,
		SemanticQuery: args.Query,
		Limit:         args.Limit,
		MinScore:      args.MinScore,
	})
	if err != nil {
		return nil, err
	}

	out := &SearchResult{
		EntityType: entityType,
		Entities:   make([]SearchResultEntity, 0, len(res.Entities)),
		Total:      len(res.Entities),
		Degraded:   res.Degraded,
		Warning:    res.Warning,
	}
	for i := range res.Entities {
		out.Entities = append(out.Entities, newResultEntity(&res.Entities[i]))
	}
	return out, nil
}

// GetEntity looks up a single entity by slug. A miss is reported via
// Found=false, not an error.
func (s *Server) GetEntity(ctx context.Context, args GetEntityArgs) (*GetEntityResult, error) {
	if args.EntityType == "" || args.Slug == "" {
		return nil, errors.New("entity_type and slug are required")
	}
	entityType := types.EntityType(args.EntityType)
	if !entityType.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", args.EntityType)
	}
	repo, ok := s.repos[entityType]
	if !ok {
		return nil, fmt.Errorf("no repository configured for entity type %q", entityType)
	}

	entity, err := repo.Get(ctx, args.Slug)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &GetEntityResult{Found: false}, nil
		}
		return nil, fmt.Errorf("failed to retrieve entity: %w", err)
	}

	res := newResultEntity(entity)
	return &GetEntityResult{Found: true, Entity: &res}, nil
}

// CacheStats reports population and freshness per entity type. The
// response is ordered like types.AllEntityTypes for stable output.
func (s *Server) CacheStats(ctx context.Context, args CacheStatsArgs) (*CacheStatsResult, error) {
	selected := types.AllEntityTypes
	if args.EntityType != "" {
		entityType := types.EntityType(args.EntityType)
		if !entityType.Valid() {
			return nil, fmt.Errorf("unknown entity type %q", args.EntityType)
		}
		selected = []types.EntityType{entityType}
	}

	result := &CacheStatsResult{Types: make([]TypeStatsEntry, 0, len(selected))}
	for _, entityType := range selected {
		repo, ok := s.repos[entityType]
		if !ok {
			continue
		}
		stats, err := repo.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get stats for %s: %w", entityType, err)
		}
		result.Types = append(result.Types, newStatsEntry(stats))
	}
	return result, nil
}

// ClearCache drops cached entities, either for one type or all of them.
func (s *Server) ClearCache(ctx context.Context, args ClearCacheArgs) (*ClearCacheResult, error) {
	selected := types.AllEntityTypes
	if args.EntityType != "" {
		entityType := types.EntityType(args.EntityType)
		if !entityType.Valid() {
			return nil, fmt.Errorf("unknown entity type %q", args.EntityType)
		}
		selected = []types.EntityType{entityType}
	}

	result := &ClearCacheResult{}
	for _, entityType := range selected {
		repo, ok := s.repos[entityType]
		if !ok {
			continue
		}
		if err := repo.Clear(ctx); err != nil {
			return nil, fmt.Errorf("failed to clear %s cache: %w", entityType, err)
		}
		result.Cleared = append(result.Cleared, entityType)
	}
	result.Message = fmt.Sprintf("Cleared %d entity type(s). The next search for each type will refetch from its content source.", len(result.Cleared))
	return result, nil
}

// newResultEntity flattens a stored entity into the wire shape. The
// embedding vector is deliberately omitted; tool consumers have no use
// for raw floats.
func newResultEntity(e *types.Entity) SearchResultEntity {
	return SearchResultEntity{
		Slug:       e.Slug,
		Name:       e.Name,
		Attributes: e.Attributes,
		SourceAPI:  e.SourceAPI,
		StoredAt:   e.StoredAt.UTC().Format(timeFormat),
	}
}

// ---------------------------------------------------------------------------
// Typed JSON-RPC handler wrappers
// ---------------------------------------------------------------------------

func (s *Server) handleSearch(ctx context.Context, entityType types.EntityType, params interface{}) (interface{}, error) {
	var args SearchArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.Search(ctx, entityType, args)
}

func (s *Server) handleGetEntity(ctx context.Context, params interface{}) (interface{}, error) {
	var args GetEntityArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.GetEntity(ctx, args)
}

func (s *Server) handleCacheStats(ctx context.Context, params interface{}) (interface{}, error) {
	var args CacheStatsArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.CacheStats(ctx, args)
}

func (s *Server) handleClearCache(ctx context.Context, params interface{}) (interface{}, error) {
	var args ClearCacheArgs
	if err := s.unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.ClearCache(ctx, args)
}

// ---------------------------------------------------------------------------
// Standard MCP protocol methods
// ---------------------------------------------------------------------------

// handleInitialize handles the MCP initialize handshake.
func (s *Server) handleInitialize(ctx context.Context, params interface{}) (interface{}, error) {
	return MCPInitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities: MCPServerCapabilities{
			Tools: &MCPToolsCapability{},
		},
		ServerInfo: MCPServerInfo{
			Name:    "grimoire",
			Version: "1.0.0",
		},
	}, nil
}

// handleToolsList returns the list of all tools this server exposes.
func (s *Server) handleToolsList(ctx context.Context, params interface{}) (interface{}, error) {
	return MCPToolsListResult{Tools: s.buildToolsList()}, nil
}

// handleToolsCall dispatches a tools/call request to the appropriate
// handler and wraps the result in the MCP content envelope.
func (s *Server) handleToolsCall(ctx context.Context, params interface{}) (interface{}, error) {
	var p MCPToolCallParams
	if err := s.unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	// Re-marshal arguments so they can be passed to the typed handlers
	// which expect an interface{} produced by JSON unmarshal.
	argsJSON, err := json.Marshal(p.Arguments)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}
	var rawParams interface{}
	if err := json.Unmarshal(argsJSON, &rawParams); err != nil {
		return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	var result interface{}
	var handlerErr error

	switch p.Name {
	case "get_entity":
		result, handlerErr = s.handleGetEntity(ctx, rawParams)
	case "cache_stats":
		result, handlerErr = s.handleCacheStats(ctx, rawParams)
	case "clear_cache":
		result, handlerErr = s.handleClearCache(ctx, rawParams)
	default:
		entityType, ok := searchToolNames[p.Name]
		if !ok {
			return &MCPToolCallResult{
				Content: []MCPToolCallContent{{Type: "text", Text: fmt.Sprintf("unknown tool: %s", p.Name)}},
				IsError: true,
			}, nil
		}
		result, handlerErr = s.handleSearch(ctx, entityType, rawParams)
	}

	if handlerErr != nil {
		return &MCPToolCallResult{
			Content: []MCPToolCallContent{{Type: "text", Text: handlerErr.Error()}},
			IsError: true,
		}, nil
	}

	text, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(text)}},
	}, nil
}

// searchToolDocs holds the per-type description for the search tools.
var searchToolDocs = map[types.EntityType]string{
	types.TypeSpell:           "Search spells by structured filters (level, school, classes) and/or a natural-language query for semantic ranking.",
	types.TypeCreature:        "Search creatures by structured filters (challenge_rating, type, size) and/or a natural-language query for semantic ranking.",
	types.TypeEquipment:       "Search equipment by structured filters (category, cost) and/or a natural-language query for semantic ranking.",
	types.TypeCharacterOption: "Search character options (classes, backgrounds) by structured filters and/or a natural-language query for semantic ranking.",
	types.TypeRule:            "Search rules reference sections by structured filters and/or a natural-language query for semantic ranking.",
}

// buildToolsList returns the canonical list of MCP tool definitions.
func (s *Server) buildToolsList() []MCPTool {
	searchSchema := func() map[string]interface{} {
		return map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"filters": map[string]interface{}{
					"type":        "object",
					"description": "Attribute filters. Exact: {\"level\": 3}. Range: {\"level_min\": 1, \"level_max\": 4}. List membership: {\"school\": [\"evocation\", \"necromancy\"]}. Exact and range on the same attribute are rejected.",
				},
				"query":     map[string]interface{}{"type": "string", "description": "Natural-language query. When set, matches are ranked by semantic similarity; entities without embeddings are excluded."},
				"limit":     map[string]interface{}{"type": "integer", "description": "Max results to return (default 10, max 100)"},
				"min_score": map[string]interface{}{"type": "number", "description": "Minimum cosine similarity in [0,1] for semantic results"},
			},
		}
	}

	tools := make([]MCPTool, 0, len(searchToolNames)+3)
	for _, name := range []string{"search_spells", "search_creatures", "search_equipment", "search_character_options", "search_rules"} {
		tools = append(tools, MCPTool{
			Name:        name,
			Description: searchToolDocs[searchToolNames[name]] + " Results come from the local cache; an empty or expired cache triggers a fetch from the configured content source first.",
			InputSchema: searchSchema(),
		})
	}

	tools = append(tools,
		MCPTool{
			Name:        "get_entity",
			Description: "Look up a single cached entity by entity type and slug. A miss returns found=false and does not trigger an upstream fetch.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"entity_type", "slug"},
				"properties": map[string]interface{}{
					"entity_type": map[string]interface{}{"type": "string", "description": "One of: spell, creature, equipment, characterOption, rule"},
					"slug":        map[string]interface{}{"type": "string", "description": "Stable identifier, e.g. \"fireball\""},
				},
			},
		},
		MCPTool{
			Name:        "cache_stats",
			Description: "Report how many entities are cached per type and how many are still fresh under the configured TTLs.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"entity_type": map[string]interface{}{"type": "string", "description": "Restrict to one entity type. Omit for all types."},
				},
			},
		},
		MCPTool{
			Name:        "clear_cache",
			Description: "Drop cached entities for one type or all types. The next search refetches from the content source.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"entity_type": map[string]interface{}{"type": "string", "description": "Entity type to clear. Omit to clear every type."},
				},
			},
		},
	)
	return tools
}

// unmarshalParams unmarshals JSON-RPC parameters into a typed struct.
func (s *Server) unmarshalParams(params interface{}, dest interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal params: %w", err)
	}

	return nil
}

// successResponse creates a JSON-RPC success response.
func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	return json.Marshal(resp)
}

// errorResponse creates a JSON-RPC error response.
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	return json.Marshal(resp)
}
