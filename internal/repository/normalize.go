package repository

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/grimoire/internal/content"
	"github.com/scrypster/grimoire/pkg/types"
)

// attributeRenames maps provider field names to the canonical attribute
// vocabulary exposed through filters. Keys absent from the map keep
// their provider name.
var attributeRenames = map[types.EntityType]map[string]string{
	types.TypeSpell: {
		"level_int": "level",
		"dnd_class": "classes",
	},
	types.TypeCreature: {
		"cr":            "challenge_rating",
		"creature_type": "type",
	},
}

// droppedAttributes are provider bookkeeping fields that carry no query
// value and would bloat the attributes JSON.
var droppedAttributes = map[string]struct{}{
	"slug":              {},
	"name":              {},
	"url":               {},
	"key":               {},
	"document__url":     {},
	"img_main":          {},
	"v2_converted_path": {},
}

// descriptionKeys are tried in order when building embedding text.
var descriptionKeys = []string{"desc", "description", "text"}

// NormalizeRecord converts a raw provider record into a storable
// entity. Records without a usable slug or name are rejected so a
// malformed provider row cannot poison the cache.
func NormalizeRecord(entityType types.EntityType, record content.RawRecord, sourceAPI string) (types.Entity, error) {
	name, _ := record["name"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return types.Entity{}, fmt.Errorf("record has no name")
	}

	slug, _ := record["slug"].(string)
	slug = strings.TrimSpace(slug)
	if slug == "" {
		slug = Slugify(name)
	}
	if slug == "" {
		return types.Entity{}, fmt.Errorf("record %q has no usable slug", name)
	}

	renames := attributeRenames[entityType]
	attrs := make(map[string]interface{}, len(record))
	for key, value := range record {
		if _, drop := droppedAttributes[key]; drop {
			continue
		}
		if value == nil {
			continue
		}
		if renamed, ok := renames[key]; ok {
			key = renamed
		}
		attrs[key] = normalizeValue(key, value)
	}
	attrs["name"] = name

	return types.Entity{
		EntityType:    entityType,
		Slug:          slug,
		Name:          name,
		Attributes:    attrs,
		EmbeddingText: embeddingText(name, record),
		SourceAPI:     sourceAPI,
		StoredAt:      time.Now().UTC(),
	}, nil
}

// normalizeValue coerces provider quirks into filterable values. The
// notable case is challenge_rating, which Open5e serves as a string
// that may be a fraction ("1/4").
func normalizeValue(key string, value interface{}) interface{} {
	if key != "challenge_rating" {
		return value
	}
	s, ok := value.(string)
	if !ok {
		return value
	}
	if cr, ok := parseChallengeRating(s); ok {
		return cr
	}
	return value
}

func parseChallengeRating(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if num, den, found := strings.Cut(s, "/"); found {
		n, errN := strconv.ParseFloat(strings.TrimSpace(num), 64)
		d, errD := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if errN != nil || errD != nil || d == 0 {
			return 0, false
		}
		return n / d, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// embeddingText concatenates the name with the first description field
// present. Name alone is a valid embedding text for terse records.
func embeddingText(name string, record content.RawRecord) string {
	for _, key := range descriptionKeys {
		if desc, ok := record[key].(string); ok {
			desc = strings.TrimSpace(desc)
			if desc != "" {
				return name + "\n" + desc
			}
		}
	}
	return name
}

// Slugify lowercases a name and collapses non-alphanumeric runs into
// single hyphens, matching the slug shape providers use.
func Slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pendingHyphen := false
	for _, r := range strings.ToLower(name) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			if b.Len() > 0 {
				pendingHyphen = true
			}
			continue
		}
		if pendingHyphen {
			b.WriteByte('-')
			pendingHyphen = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
