package model

import "time"

// EntityKind is the domain-entity type a media type produces.
type EntityKind string

const (
	KindSong  EntityKind = "song"
	KindAlbum EntityKind = "album"
	KindGame  EntityKind = "game"
)

// Entity is a catalog record (song, album, game) created through the
// find/provide/import framework. ExternalID is the deduplication key:
// at most one entity may carry a given external identifier.
type Entity struct {
	ID             string         `json:"id"`
	Kind           EntityKind     `json:"kind"`
	Name           string         `json:"name"`
	NormalizedName string         `json:"normalized_name"`
	ExternalID     string         `json:"external_id,omitempty"`
	Attrs          map[string]any `json:"attrs,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Attr returns a string attribute, or "" when absent or non-string.
func (e *Entity) Attr(key string) string {
	if e.Attrs == nil {
		return ""
	}
	s, _ := e.Attrs[key].(string)
	return s
}

// SetAttr sets one attribute, allocating the map on first use.
func (e *Entity) SetAttr(key string, value any) {
	if e.Attrs == nil {
		e.Attrs = make(map[string]any)
	}
	e.Attrs[key] = value
}
