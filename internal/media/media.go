// Package media defines the per-media-type configuration that
// parameterizes the generic wizard pipeline: step order, extraction
// schema, prompt guidance, catalog binding, and index name. One YAML
// manifest replaces per-media subclass trees.
package media

import (
	_ "embed"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/rankforge/listwizard/internal/model"
)

//go:embed media.yaml
var manifest []byte

// Definition parameterizes the pipeline for one media type.
type Definition struct {
	Name               string           `yaml:"-"`
	EntityKind         model.EntityKind `yaml:"entity_kind"`
	Catalog            string           `yaml:"catalog"` // musicbrainz or igdb
	Index              string           `yaml:"index"`   // search index name
	ContributorLabel   string           `yaml:"contributor_label"`
	Steps              []model.Step     `yaml:"steps"`
	ExtractionGuidance string           `yaml:"extraction_guidance"`
	ExtractionSchema   string           `yaml:"extraction_schema"`

	schema *gojsonschema.Schema
}

// Registry holds all known media definitions.
type Registry struct {
	defs map[string]*Definition
}

type manifestDoc struct {
	MediaTypes map[string]*Definition `yaml:"media_types"`
}

// Load parses the embedded manifest and compiles extraction schemas.
func Load() (*Registry, error) {
	return parse(manifest)
}

func parse(raw []byte) (*Registry, error) {
	var doc manifestDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrap(err, "media: unmarshal manifest")
	}
	if len(doc.MediaTypes) == 0 {
		return nil, eris.New("media: manifest defines no media types")
	}

	defs := make(map[string]*Definition, len(doc.MediaTypes))
	for name, def := range doc.MediaTypes {
		def.Name = name
		if len(def.Steps) == 0 {
			return nil, eris.Errorf("media: %s: empty step list", name)
		}
		if def.Steps[len(def.Steps)-1] != model.StepComplete {
			return nil, eris.Errorf("media: %s: step list must end in complete", name)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(def.ExtractionSchema))
		if err != nil {
			return nil, eris.Wrapf(err, "media: %s: compile extraction schema", name)
		}
		def.schema = schema
		defs[name] = def
	}

	return &Registry{defs: defs}, nil
}

// Get returns the definition for a media type. Unknown types are a
// validation error, not a fallback.
func (r *Registry) Get(mediaType string) (*Definition, error) {
	def, ok := r.defs[mediaType]
	if !ok {
		return nil, eris.Errorf("media: unknown media type %q", mediaType)
	}
	return def, nil
}

// Names returns all registered media type names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}

// ValidateExtraction checks an AI extraction document against the media
// type's schema, returning a descriptive error on violation.
func (d *Definition) ValidateExtraction(doc []byte) error {
	result, err := d.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return eris.Wrapf(err, "media: %s: validate extraction", d.Name)
	}
	if !result.Valid() {
		msg := "extraction schema violation:"
		for _, e := range result.Errors() {
			msg += " " + e.Field() + ": " + e.Description() + ";"
		}
		return eris.New(msg)
	}
	return nil
}

// Applies reports whether a step runs for this list. Applicability is
// an explicit predicate: parse only runs when a source HTML document
// exists, never inferred from unrelated state.
func (d *Definition) Applies(step model.Step, list *model.List) bool {
	if step == model.StepParse {
		return list.SourceHTML != "" || list.SimplifiedHTML != ""
	}
	return true
}
