package types

import "time"

// EntityType identifies one of the fixed reference-content categories
// served by Grimoire. The set is closed: upstream providers, storage
// partitioning, and MCP tools are all keyed by these values.
type EntityType string

const (
	TypeSpell           EntityType = "spell"
	TypeCreature        EntityType = "creature"
	TypeEquipment       EntityType = "equipment"
	TypeCharacterOption EntityType = "characterOption"
	TypeRule            EntityType = "rule"
)

// AllEntityTypes lists every supported entity type in a stable order.
// Used for iteration (cache stats, admin clears) and input validation.
var AllEntityTypes = []EntityType{
	TypeSpell,
	TypeCreature,
	TypeEquipment,
	TypeCharacterOption,
	TypeRule,
}

// Valid reports whether t is one of the supported entity types.
func (t EntityType) Valid() bool {
	switch t {
	case TypeSpell, TypeCreature, TypeEquipment, TypeCharacterOption, TypeRule:
		return true
	}
	return false
}

// Entity is a normalized reference-content record (a spell, a creature,
// a piece of equipment, ...) held by the cache.
//
// Slug is the identity key: for a given EntityType at most one stored
// entity exists per slug, and upserts replace the whole record.
type Entity struct {
	// Core identification fields
	EntityType EntityType `json:"entity_type"` // Which category this record belongs to
	Slug       string     `json:"slug"`        // Unique within EntityType (e.g. "fireball")
	Name       string     `json:"name"`        // Display name

	// Attributes holds the type-specific scalar fields used for
	// structured filtering (e.g. level, school, challenge_rating).
	// Attribute sets vary per entity type; only names present here can
	// match a filter.
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	// EmbeddingText is the text the semantic vector is derived from
	// (typically name + description). Embedding may be nil when
	// generation was skipped or failed; such entities are still
	// reachable through structured queries.
	EmbeddingText      string    `json:"embedding_text,omitempty"`
	Embedding          []float32 `json:"embedding,omitempty"`
	EmbeddingModel     string    `json:"embedding_model,omitempty"`
	EmbeddingDimension int       `json:"embedding_dimension,omitempty"`

	// Provenance
	SourceAPI string    `json:"source_api,omitempty"` // Upstream provider that produced this record
	StoredAt  time.Time `json:"stored_at"`            // Timestamp of last write
}

// Fresh reports whether the entity was written within ttl of now.
// Stale entities stay queryable; staleness only makes the cache slice
// eligible for overwrite on the next fallback fetch.
func (e *Entity) Fresh(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return true
	}
	return now.Sub(e.StoredAt) < ttl
}
