package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rankforge/listwizard/internal/media"
	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/internal/resilience"
	"github.com/rankforge/listwizard/pkg/anthropic"
)

const validatePrompt = `You check whether a proposed %s catalog match
is the same work the list entry refers to.

Compare the extracted entry against the candidate's attributes. Minor
formatting differences (punctuation, "The" prefixes, featured-artist
suffixes) are the same work. A different work by the same %s, a cover,
a remaster listed as a different title, or a different medium entirely
is NOT the same work.

Return ONLY a JSON object: {"invalid": <bool>, "reasoning": "<short
explanation, empty when valid>"}.`

// judgment is the wire shape the model must produce.
type judgment struct {
	Invalid   bool   `json:"invalid"`
	Reasoning string `json:"reasoning"`
}

// runValidate asks the model to double-check matched items. Items
// without a match have nothing to validate and are skipped. A per-item
// model failure leaves the item unvalidated; only infrastructure
// failures abort.
func (r *Runner) runValidate(ctx context.Context, list *model.List, def *media.Definition, token string) (map[string]any, error) {
	items, err := r.store.ListItems(ctx, list.ID)
	if err != nil {
		return nil, eris.Wrap(err, "validate: load items")
	}

	system := anthropic.BuildCachedSystemBlocks(
		fmt.Sprintf(validatePrompt, def.Name, def.ContributorLabel))

	counters := map[string]any{"validated": 0, "flagged": 0, "unmatched": 0}
	bump := func(key string) { counters[key] = counters[key].(int) + 1 }

	var lost bool
	rep := r.reporterFor(list, model.StepValidate, len(items), token, &lost)

	for i := range items {
		item := &items[i]
		if item.Metadata.Match == nil || item.Metadata.Parsed == nil {
			bump("unmatched")
			rep.tick(ctx, i+1, counters)
			continue
		}

		verdict, err := r.judge(ctx, system, *item.Metadata.Parsed, *item.Metadata.Match)
		if err != nil {
			if resilience.IsInfra(err) {
				return nil, eris.Wrap(err, "validate: model infrastructure")
			}
			zap.L().Warn("validation skipped",
				zap.String("item_id", item.ID),
				zap.Error(err))
			rep.tick(ctx, i+1, counters)
			continue
		}

		md := item.Metadata
		md.Validation = verdict
		if err := r.store.UpdateItemMetadata(ctx, item.ID, md); err != nil {
			return nil, eris.Wrap(err, "validate: persist verdict")
		}

		bump("validated")
		if verdict.Invalid {
			bump("flagged")
		}

		rep.tick(ctx, i+1, counters)
		if lost {
			return nil, errLeaseLost
		}
	}

	return counters, nil
}

func (r *Runner) judge(ctx context.Context, system []anthropic.SystemBlock, parsed model.ParsedFields, match model.MatchCandidate) (*model.ValidationResult, error) {
	payload, err := json.Marshal(map[string]any{
		"entry":     parsed,
		"candidate": match.Attrs,
	})
	if err != nil {
		return nil, eris.Wrap(err, "validate: marshal comparison")
	}

	resp, err := r.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     r.cfg.Model,
		MaxTokens: 512,
		System:    system,
		Messages:  []anthropic.Message{{Role: "user", Content: string(payload)}},
	})
	if err != nil {
		return nil, err
	}
	resp.Usage.LogCost(r.cfg.Model, "validate")

	var j judgment
	if err := json.Unmarshal([]byte(anthropic.StripFences(resp.Text())), &j); err != nil {
		return nil, eris.Wrap(err, "validate: unmarshal verdict")
	}

	result := &model.ValidationResult{Invalid: j.Invalid}
	if j.Invalid {
		result.Reasoning = j.Reasoning
	}
	return result, nil
}
