package dedup

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/internal/normalize"
	"github.com/rankforge/listwizard/pkg/musicbrainz"
)

const browseGroupLimit = 100

// MusicBrainzProvider populates songs and albums from MusicBrainz.
// It is also a GroupProvider: an artist MBID expands to the artist's
// album release groups.
type MusicBrainzProvider struct {
	client musicbrainz.Client
}

// NewMusicBrainzProvider wraps a MusicBrainz client.
func NewMusicBrainzProvider(client musicbrainz.Client) *MusicBrainzProvider {
	return &MusicBrainzProvider{client: client}
}

func (p *MusicBrainzProvider) Name() string { return "musicbrainz" }

func (p *MusicBrainzProvider) Supports(kind model.EntityKind) bool {
	return kind == model.KindSong || kind == model.KindAlbum
}

func (p *MusicBrainzProvider) Populate(ctx context.Context, entity *model.Entity, q Query) error {
	artist := strings.Join(q.Contributors, " ")

	switch q.Kind {
	case model.KindAlbum:
		if q.ExternalID != "" {
			rg, err := p.client.GetReleaseGroup(ctx, q.ExternalID)
			if err != nil {
				return err
			}
			fillAlbum(entity, *rg)
			return nil
		}

		groups, err := p.client.SearchReleaseGroups(ctx, q.Name, artist, 1)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			return eris.Errorf("musicbrainz provider: no release group matches %q", q.Name)
		}
		fillAlbum(entity, groups[0])
		return nil

	case model.KindSong:
		recs, err := p.client.SearchRecordings(ctx, q.Name, artist, 1)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return eris.Errorf("musicbrainz provider: no recording matches %q", q.Name)
		}
		rec := recs[0]
		fill(entity, rec.Title, rec.ID, rec.Artists(), rec.Year())
		return nil
	}

	return eris.Errorf("musicbrainz provider: unsupported kind %s", q.Kind)
}

func (p *MusicBrainzProvider) FindGroup(ctx context.Context, kind model.EntityKind, groupID string) ([]model.Entity, error) {
	if kind != model.KindAlbum {
		return nil, nil
	}

	groups, err := p.client.BrowseReleaseGroups(ctx, groupID, browseGroupLimit)
	if err != nil {
		return nil, err
	}

	out := make([]model.Entity, 0, len(groups))
	for _, rg := range groups {
		e := model.Entity{Kind: model.KindAlbum}
		fillAlbum(&e, rg)
		out = append(out, e)
	}
	return out, nil
}

func fillAlbum(e *model.Entity, rg musicbrainz.ReleaseGroup) {
	fill(e, rg.Title, rg.ID, rg.Artists(), rg.Year())
}

// fill writes the catalog's view of the work onto the entity,
// overwriting whatever an earlier provider left there.
func fill(e *model.Entity, title, externalID string, contributors []string, year int) {
	e.Name = title
	e.NormalizedName = normalize.Fold(title)
	e.ExternalID = externalID
	if e.Attrs == nil {
		e.Attrs = map[string]any{}
	}
	e.Attrs["contributors"] = contributors
	e.Attrs["year"] = year
}
