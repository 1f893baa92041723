package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rankforge/listwizard/internal/media"
	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/internal/simplify"
	"github.com/rankforge/listwizard/pkg/anthropic"
)

const parsePrompt = `You extract ranked list entries from HTML.

%s
Return ONLY a JSON object of the form {"items": [...]} where each item
has the fields: rank (integer, optional), title (string, required,
keep "" when the text is present but unreadable), contributors (array
of strings, optional), year (integer, optional), extra (object of
string values, optional).

Extract every entry, in page order. Copy text verbatim; do not correct
spelling, fill in missing fields, or merge entries. No markdown, no
commentary.`

// extraction is the wire shape the model must produce.
type extraction struct {
	Items []model.ParsedFields `json:"items"`
}

// runParse turns the list's HTML into persisted items. Nothing is
// written until the extraction passes the media type's schema, so a
// bad model response leaves the previous items intact.
func (r *Runner) runParse(ctx context.Context, list *model.List, def *media.Definition, token string) (map[string]any, error) {
	simplified := list.SimplifiedHTML
	if simplified == "" {
		var err error
		simplified, err = simplify.HTML(list.SourceHTML)
		if err != nil {
			return nil, eris.Wrap(err, "parse: simplify source")
		}
	}

	resp, err := r.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     r.cfg.Model,
		MaxTokens: r.cfg.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(fmt.Sprintf(parsePrompt, def.ExtractionGuidance)),
		Messages: []anthropic.Message{
			{Role: "user", Content: simplified},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "parse: extraction request")
	}
	resp.Usage.LogCost(r.cfg.Model, "parse")

	raw := anthropic.StripFences(resp.Text())
	if err := def.ValidateExtraction([]byte(raw)); err != nil {
		return nil, eris.Wrap(err, "parse: extraction rejected")
	}

	var ext extraction
	if err := json.Unmarshal([]byte(raw), &ext); err != nil {
		return nil, eris.Wrap(err, "parse: unmarshal extraction")
	}

	items := make([]model.ListItem, len(ext.Items))
	for i := range ext.Items {
		parsed := ext.Items[i]
		items[i] = model.ListItem{
			ListID:   list.ID,
			Position: i + 1,
			Metadata: model.ItemMetadata{Parsed: &parsed},
		}
	}

	if err := r.lease.Check(ctx, list.ID, token); err != nil {
		return nil, errLeaseLost
	}

	// Reruns replace the previous extraction wholesale.
	if err := r.store.UpdateListSource(ctx, list.ID, simplified, []byte(raw)); err != nil {
		return nil, eris.Wrap(err, "parse: persist extraction")
	}
	if err := r.store.DeleteItems(ctx, list.ID); err != nil {
		return nil, eris.Wrap(err, "parse: clear previous items")
	}
	if err := r.store.CreateItems(ctx, items); err != nil {
		return nil, eris.Wrap(err, "parse: persist items")
	}

	zap.L().Info("extraction persisted",
		zap.String("list_id", list.ID),
		zap.Int("items", len(items)))

	return map[string]any{"items_total": len(items)}, nil
}
