// Package model defines the domain records shared by the wizard
// pipeline: lists, list items, wizard state, entities, and jobs.
package model

import (
	"encoding/json"
	"time"
)

// List is a user-submitted "best of" collection for one media type.
// The pipeline mutates it at every stage but never deletes it.
type List struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	MediaType      string          `json:"media_type"`
	SourceHTML     string          `json:"source_html,omitempty"`
	SimplifiedHTML string          `json:"simplified_html,omitempty"`
	ItemsJSON      json.RawMessage `json:"items_json,omitempty"`
	Wizard         WizardState     `json:"wizard"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// MatchSource identifies which resolver tier produced a candidate.
type MatchSource string

const (
	SourceSearchIndex MatchSource = "search_index"
	SourceExternalAPI MatchSource = "external_api"
)

// ParsedFields is the parse stage's payload: the AI extraction,
// verbatim, with no inference applied.
type ParsedFields struct {
	Rank         int               `json:"rank,omitempty"`
	Title        string            `json:"title"`
	Contributors []string          `json:"contributors,omitempty"`
	Year         int               `json:"year,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// MatchCandidate is the enrich stage's payload: why a match was (or was
// not) made. EntityID is set only when the match resolved to an entity
// already present locally.
type MatchCandidate struct {
	Source     MatchSource    `json:"source"`
	Score      float64        `json:"score,omitempty"`
	ExternalID string         `json:"external_id,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

// ValidationResult is the validate stage's payload. Reasoning is only
// recorded when the AI disagreed with the proposed match.
type ValidationResult struct {
	Invalid   bool   `json:"invalid"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ItemMetadata merges the per-stage payloads for one item. Later stages
// add their section without touching earlier ones.
type ItemMetadata struct {
	Parsed     *ParsedFields     `json:"parsed,omitempty"`
	Match      *MatchCandidate   `json:"match,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
}

// ListItem is one entity candidate within a list. ListableID is a weak
// reference to the resolved domain entity, set by the import stage.
type ListItem struct {
	ID         string       `json:"id"`
	ListID     string       `json:"list_id"`
	Position   int          `json:"position"`
	Metadata   ItemMetadata `json:"metadata"`
	ListableID string       `json:"listable_id,omitempty"`
	Verified   bool         `json:"verified"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Title returns the extracted title, or "" when parse never ran.
func (i ListItem) Title() string {
	if i.Metadata.Parsed == nil {
		return ""
	}
	return i.Metadata.Parsed.Title
}

// MatchInvalid reports whether the validate stage flagged this item's
// match as incorrect.
func (i ListItem) MatchInvalid() bool {
	return i.Metadata.Validation != nil && i.Metadata.Validation.Invalid
}
