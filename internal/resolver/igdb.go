package resolver

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/pkg/igdb"
)

// IGDBCatalog adapts the IGDB client to the Catalog interface.
type IGDBCatalog struct {
	client igdb.Client
}

// NewIGDBCatalog wraps an IGDB client.
func NewIGDBCatalog(client igdb.Client) *IGDBCatalog {
	return &IGDBCatalog{client: client}
}

func (c *IGDBCatalog) Search(ctx context.Context, kind model.EntityKind, parsed model.ParsedFields, limit int) ([]model.MatchCandidate, error) {
	if kind != model.KindGame {
		return nil, eris.Errorf("igdb catalog: unsupported kind %q", kind)
	}

	games, err := c.client.SearchGames(ctx, parsed.Title, limit)
	if err != nil {
		return nil, err
	}

	out := make([]model.MatchCandidate, 0, len(games))
	for i, g := range games {
		out = append(out, model.MatchCandidate{
			Source: model.SourceExternalAPI,
			// IGDB orders by relevance without exposing a score.
			Score:      float64(len(games) - i),
			ExternalID: strconv.FormatInt(g.ID, 10),
			Attrs: map[string]any{
				"name":         g.Name,
				"contributors": g.Developers(),
				"year":         g.Year(),
			},
		})
	}
	return out, nil
}
