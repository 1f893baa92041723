// Package stage executes the wizard's background stages: parse,
// enrich, validate, and import. Each run holds the list's advisory
// lease and records its outcome on the wizard step.
package stage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rankforge/listwizard/internal/dedup"
	"github.com/rankforge/listwizard/internal/media"
	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/internal/resolver"
	"github.com/rankforge/listwizard/internal/store"
	"github.com/rankforge/listwizard/internal/wizard"
	"github.com/rankforge/listwizard/pkg/anthropic"
)

// Config tunes stage execution.
type Config struct {
	Model            string
	MaxTokens        int64
	ProgressEvery    int
	ProgressInterval time.Duration
}

// Runner executes stages against a list.
type Runner struct {
	store    store.Store
	media    *media.Registry
	wizard   *wizard.Manager
	lease    *wizard.Lease
	ai       anthropic.Client
	resolver *resolver.Resolver
	importer *dedup.Importer
	cfg      Config
}

// New creates a Runner.
func New(st store.Store, reg *media.Registry, wz *wizard.Manager, lease *wizard.Lease,
	ai anthropic.Client, res *resolver.Resolver, imp *dedup.Importer, cfg Config) *Runner {
	return &Runner{
		store:    st,
		media:    reg,
		wizard:   wz,
		lease:    lease,
		ai:       ai,
		resolver: res,
		importer: imp,
		cfg:      cfg,
	}
}

type stageFunc func(ctx context.Context, list *model.List, def *media.Definition, token string) (map[string]any, error)

// Runnable reports whether a step executes as a background stage.
// The others are interactive and advance through the API.
func Runnable(step model.Step) bool {
	switch step {
	case model.StepParse, model.StepEnrich, model.StepValidate, model.StepImport:
		return true
	}
	return false
}

// Run executes one stage for a list. An inapplicable step is recorded
// as skipped and succeeds without running.
func (r *Runner) Run(ctx context.Context, listID string, step model.Step) error {
	list, err := r.store.GetList(ctx, listID)
	if err != nil {
		return eris.Wrapf(err, "stage: load list %s", listID)
	}
	def, err := r.media.Get(list.MediaType)
	if err != nil {
		return eris.Wrap(err, "stage: media definition")
	}

	if !Runnable(step) {
		return eris.Errorf("stage: %s is not a runnable stage", step)
	}

	if !def.Applies(step, list) {
		zap.L().Info("stage skipped",
			zap.String("list_id", listID),
			zap.String("step", string(step)))
		return r.wizard.SkipStep(ctx, listID, step)
	}

	token, err := r.lease.Acquire(ctx, listID)
	if err != nil {
		return eris.Wrapf(err, "stage: %s", step)
	}
	defer r.lease.Release(listID, token)

	if err := r.wizard.StartStep(ctx, list, def, step); err != nil {
		return err
	}

	var fn stageFunc
	switch step {
	case model.StepParse:
		fn = r.runParse
	case model.StepEnrich:
		fn = r.runEnrich
	case model.StepValidate:
		fn = r.runValidate
	case model.StepImport:
		fn = r.runImport
	}

	start := time.Now()
	metadata, err := fn(ctx, list, def, token)
	if err != nil {
		zap.L().Error("stage failed",
			zap.String("list_id", listID),
			zap.String("step", string(step)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		if failErr := r.wizard.FailStep(ctx, listID, step, err); failErr != nil {
			zap.L().Error("failure record write failed", zap.Error(failErr))
		}
		return err
	}

	zap.L().Info("stage completed",
		zap.String("list_id", listID),
		zap.String("step", string(step)),
		zap.Duration("elapsed", time.Since(start)))
	return r.wizard.CompleteStep(ctx, listID, step, metadata)
}

// reporterFor builds a bounded progress reporter that also verifies
// the lease on every persisted write, so a second writer is noticed at
// the progress cadence rather than at the end.
func (r *Runner) reporterFor(list *model.List, step model.Step, total int, token string, lost *bool) *reporter {
	return newReporter(total, r.cfg.ProgressEvery, r.cfg.ProgressInterval,
		func(ctx context.Context, progress int, metadata map[string]any) error {
			if err := r.lease.Check(ctx, list.ID, token); err != nil {
				*lost = true
				return err
			}
			return r.wizard.Progress(ctx, list.ID, step, progress, metadata)
		})
}

var errLeaseLost = eris.New("stage: lease lost mid-run")
