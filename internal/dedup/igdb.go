package dedup

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/pkg/igdb"
)

// IGDBProvider populates games from IGDB.
type IGDBProvider struct {
	client igdb.Client
}

// NewIGDBProvider wraps an IGDB client.
func NewIGDBProvider(client igdb.Client) *IGDBProvider {
	return &IGDBProvider{client: client}
}

func (p *IGDBProvider) Name() string { return "igdb" }

func (p *IGDBProvider) Supports(kind model.EntityKind) bool {
	return kind == model.KindGame
}

func (p *IGDBProvider) Populate(ctx context.Context, entity *model.Entity, q Query) error {
	if q.ExternalID != "" {
		id, err := strconv.ParseInt(q.ExternalID, 10, 64)
		if err != nil {
			return eris.Wrapf(err, "igdb provider: bad external id %q", q.ExternalID)
		}
		game, err := p.client.GetGame(ctx, id)
		if err != nil {
			return err
		}
		fillGame(entity, *game)
		return nil
	}

	games, err := p.client.SearchGames(ctx, q.Name, 1)
	if err != nil {
		return err
	}
	if len(games) == 0 {
		return eris.Errorf("igdb provider: no game matches %q", q.Name)
	}
	fillGame(entity, games[0])
	return nil
}

func fillGame(e *model.Entity, g igdb.Game) {
	fill(e, g.Name, strconv.FormatInt(g.ID, 10), g.Developers(), g.Year())
}
