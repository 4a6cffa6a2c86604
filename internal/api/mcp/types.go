// Package mcp implements the Model Context Protocol (MCP) server for Grimoire.
// It provides JSON-RPC 2.0 based tools for searching cached tabletop RPG
// reference entities.
package mcp

import (
	"github.com/scrypster/grimoire/internal/storage"
	"github.com/scrypster/grimoire/pkg/types"
)

// SearchArgs contains arguments for the per-entity-type search tools.
//
// Filters uses the wire vocabulary: exact keys ("level": 3), range keys
// with _min/_max suffixes ("level_min": 4), and list values for
// membership ("school": ["evocation", "necromancy"]).
type SearchArgs struct {
	Filters  map[string]interface{} `json:"filters,omitempty"`   // Structured attribute filters
	Query    string                 `json:"query,omitempty"`     // Natural-language query for semantic ranking
	Limit    int                    `json:"limit,omitempty"`     // Max results (default 10, capped by server config)
	MinScore float64                `json:"min_score,omitempty"` // Minimum cosine similarity for semantic results
}

// SearchResultEntity is one entity in a search response, flattened for
// tool consumers.
type SearchResultEntity struct {
	Slug       string                 `json:"slug"`
	Name       string                 `json:"name"`
	Attributes map[string]interface{} `json:"attributes"`
	SourceAPI  string                 `json:"source_api,omitempty"`
	StoredAt   string                 `json:"stored_at"`
}

// SearchResult contains the result of a search tool call.
type SearchResult struct {
	EntityType types.EntityType     `json:"entity_type"`
	Entities   []SearchResultEntity `json:"entities"`
	Total      int                  `json:"total"`
	Degraded   bool                 `json:"degraded,omitempty"` // True when upstream refresh failed and results are stale
	Warning    string               `json:"warning,omitempty"`
}

// GetEntityArgs contains arguments for the get_entity tool.
type GetEntityArgs struct {
	EntityType string `json:"entity_type"` // One of: spell, creature, equipment, characterOption, rule
	Slug       string `json:"slug"`
}

// GetEntityResult contains the result of a get_entity lookup.
type GetEntityResult struct {
	Found  bool                `json:"found"`
	Entity *SearchResultEntity `json:"entity,omitempty"`
}

// CacheStatsArgs contains arguments for the cache_stats tool.
type CacheStatsArgs struct {
	EntityType string `json:"entity_type,omitempty"` // Restrict to one type; omit for all
}

// TypeStatsEntry is the per-type row in a cache_stats response.
type TypeStatsEntry struct {
	EntityType types.EntityType `json:"entity_type"`
	Total      int              `json:"total"`
	Fresh      int              `json:"fresh"`
	Stale      int              `json:"stale"`
	OldestAt   string           `json:"oldest_at,omitempty"`
	NewestAt   string           `json:"newest_at,omitempty"`
}

// CacheStatsResult contains the result of the cache_stats tool.
type CacheStatsResult struct {
	Types []TypeStatsEntry `json:"types"`
}

// ClearCacheArgs contains arguments for the clear_cache tool.
type ClearCacheArgs struct {
	EntityType string `json:"entity_type,omitempty"` // Restrict to one type; omit to clear everything
}

// ClearCacheResult contains the result of the clear_cache tool.
type ClearCacheResult struct {
	Cleared []types.EntityType `json:"cleared"`
	Message string             `json:"message"`
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"` // Must be "2.0"
	Method  string      `json:"method"`  // Method name
	Params  interface{} `json:"params"`  // Method parameters
	ID      interface{} `json:"id"`      // Request ID (string, number, or null)
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`          // Must be "2.0"
	Result  interface{}   `json:"result,omitempty"` // Result (if successful)
	Error   *JSONRPCError `json:"error,omitempty"`  // Error (if failed)
	ID      interface{}   `json:"id"`               // Request ID
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`           // Error code
	Message string      `json:"message"`        // Error message
	Data    interface{} `json:"data,omitempty"` // Additional error data
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal JSON-RPC error
	ErrCodeServerError    = -32000 // Server error
)

// ---------------------------------------------------------------------------
// Standard MCP protocol types (initialize / tools/list / tools/call)
// ---------------------------------------------------------------------------

// MCPInitializeParams holds the parameters sent by an MCP client in the
// initialize request.
type MCPInitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities,omitempty"`
	ClientInfo      MCPClientInfo          `json:"clientInfo"`
}

// MCPClientInfo identifies the connecting MCP client.
type MCPClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerInfo identifies this MCP server.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerCapabilities describes what this server supports.
type MCPServerCapabilities struct {
	Tools *MCPToolsCapability `json:"tools,omitempty"`
}

// MCPToolsCapability signals that the server exposes tools.
type MCPToolsCapability struct{}

// MCPInitializeResult is the response to the initialize request.
type MCPInitializeResult struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    MCPServerCapabilities `json:"capabilities"`
	ServerInfo      MCPServerInfo         `json:"serverInfo"`
}

// MCPTool describes a single tool exposed via the MCP tools/list endpoint.
type MCPTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// MCPToolsListResult is the response to the tools/list request.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams holds the parameters sent in a tools/call request.
type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// MCPToolCallContent is a single content block in a tool call response.
type MCPToolCallContent struct {
	Type string `json:"type"` // always "text" for now
	Text string `json:"text"`
}

// MCPToolCallResult is the response to a tools/call request.
type MCPToolCallResult struct {
	Content []MCPToolCallContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}

// newStatsEntry converts storage stats into the wire shape.
func newStatsEntry(stats storage.TypeStats) TypeStatsEntry {
	entry := TypeStatsEntry{
		EntityType: stats.EntityType,
		Total:      stats.Total,
		Fresh:      stats.Fresh,
		Stale:      stats.Total - stats.Fresh,
	}
	if stats.OldestAt != nil {
		entry.OldestAt = stats.OldestAt.UTC().Format(timeFormat)
	}
	if stats.NewestAt != nil {
		entry.NewestAt = stats.NewestAt.UTC().Format(timeFormat)
	}
	return entry
}
