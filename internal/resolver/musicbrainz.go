package resolver

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/pkg/musicbrainz"
)

// MusicBrainzCatalog adapts the MusicBrainz client to the Catalog
// interface. Albums search release groups, songs search recordings.
type MusicBrainzCatalog struct {
	client musicbrainz.Client
}

// NewMusicBrainzCatalog wraps a MusicBrainz client.
func NewMusicBrainzCatalog(client musicbrainz.Client) *MusicBrainzCatalog {
	return &MusicBrainzCatalog{client: client}
}

func (c *MusicBrainzCatalog) Search(ctx context.Context, kind model.EntityKind, parsed model.ParsedFields, limit int) ([]model.MatchCandidate, error) {
	artist := strings.Join(parsed.Contributors, " ")

	switch kind {
	case model.KindAlbum:
		groups, err := c.client.SearchReleaseGroups(ctx, parsed.Title, artist, limit)
		if err != nil {
			return nil, err
		}
		out := make([]model.MatchCandidate, 0, len(groups))
		for _, rg := range groups {
			out = append(out, model.MatchCandidate{
				Source:     model.SourceExternalAPI,
				Score:      float64(rg.Score),
				ExternalID: rg.ID,
				Attrs: map[string]any{
					"name":         rg.Title,
					"contributors": rg.Artists(),
					"year":         rg.Year(),
				},
			})
		}
		return out, nil

	case model.KindSong:
		recs, err := c.client.SearchRecordings(ctx, parsed.Title, artist, limit)
		if err != nil {
			return nil, err
		}
		out := make([]model.MatchCandidate, 0, len(recs))
		for _, rec := range recs {
			out = append(out, model.MatchCandidate{
				Source:     model.SourceExternalAPI,
				Score:      float64(rec.Score),
				ExternalID: rec.ID,
				Attrs: map[string]any{
					"name":         rec.Title,
					"contributors": rec.Artists(),
					"year":         rec.Year(),
				},
			})
		}
		return out, nil

	default:
		return nil, eris.Errorf("musicbrainz catalog: unsupported kind %q", kind)
	}
}
