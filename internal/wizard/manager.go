// Package wizard owns the step state machine for a list import. It
// decides which step runs next, guards step transitions, and records
// the outcome of each stage run.
package wizard

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rankforge/listwizard/internal/media"
	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/internal/store"
)

// Transition guard errors.
var (
	ErrUnknownStep = eris.New("wizard: step not in media definition")
	ErrStepRunning = eris.New("wizard: another step is running")
	ErrOutOfOrder  = eris.New("wizard: earlier steps not completed")
)

// Manager coordinates wizard step transitions for lists.
type Manager struct {
	store store.Store
	media *media.Registry
}

// New creates a Manager.
func New(st store.Store, reg *media.Registry) *Manager {
	return &Manager{store: st, media: reg}
}

// Definition returns the media definition for a list.
func (m *Manager) Definition(list *model.List) (*media.Definition, error) {
	return m.media.Get(list.MediaType)
}

// CurrentStep returns the first step that is not yet completed, in the
// media definition's order. A fully completed wizard reports the final
// marker step.
func CurrentStep(list *model.List, def *media.Definition) model.Step {
	for _, step := range def.Steps {
		if list.Wizard.Step(step).Status != model.StatusCompleted {
			return step
		}
	}
	return def.Steps[len(def.Steps)-1]
}

// Running returns the step currently running, if any.
func Running(list *model.List, def *media.Definition) (model.Step, bool) {
	for _, step := range def.Steps {
		if list.Wizard.Step(step).Status == model.StatusRunning {
			return step, true
		}
	}
	return "", false
}

// Advanceable reports whether the UI may move past a step. A running
// step never is. The source step additionally requires an import-source
// selection recorded in its metadata; every other step may be advanced
// regardless of outcome, failed ones included.
func Advanceable(list *model.List, step model.Step) bool {
	state := list.Wizard.Step(step)
	if state.Status == model.StatusRunning {
		return false
	}
	if step == model.StepSource {
		_, ok := state.Metadata["source"]
		return ok
	}
	return true
}

// StartStep validates a transition and marks the step running. A step
// may start when it belongs to the definition, nothing else is
// running, and every earlier step is completed. Completed and failed
// steps may start again; reruns overwrite the previous outcome.
func (m *Manager) StartStep(ctx context.Context, list *model.List, def *media.Definition, step model.Step) error {
	idx := stepIndex(def, step)
	if idx < 0 {
		return eris.Wrapf(ErrUnknownStep, "%s for media %s", step, def.Name)
	}
	if running, ok := Running(list, def); ok {
		return eris.Wrapf(ErrStepRunning, "%s", running)
	}
	for _, earlier := range def.Steps[:idx] {
		if list.Wizard.Step(earlier).Status != model.StatusCompleted {
			return eris.Wrapf(ErrOutOfOrder, "%s requires %s", step, earlier)
		}
	}

	return m.store.UpdateWizardStep(ctx, list.ID, step, model.StepState{
		Status:    model.StatusRunning,
		UpdatedAt: time.Now().UTC(),
	})
}

// CompleteStep marks a step completed at full progress. When it is the
// last substantive step, the trailing marker step completes with it.
func (m *Manager) CompleteStep(ctx context.Context, listID string, step model.Step, metadata map[string]any) error {
	if err := m.store.UpdateWizardStep(ctx, listID, step, model.StepState{
		Status:    model.StatusCompleted,
		Progress:  100,
		Metadata:  metadata,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	return m.finishIfDone(ctx, listID)
}

// FailStep records a failure. The error text is persisted so the UI
// can show why the step stopped; rerunning the step clears it.
func (m *Manager) FailStep(ctx context.Context, listID string, step model.Step, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return m.store.UpdateWizardStep(ctx, listID, step, model.StepState{
		Status:    model.StatusFailed,
		Error:     msg,
		UpdatedAt: time.Now().UTC(),
	})
}

// SkipStep marks an inapplicable step completed without running it,
// tagged so the history shows it was never executed.
func (m *Manager) SkipStep(ctx context.Context, listID string, step model.Step) error {
	if err := m.store.UpdateWizardStep(ctx, listID, step, model.StepState{
		Status:    model.StatusCompleted,
		Progress:  100,
		Metadata:  map[string]any{"skipped": true},
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	return m.finishIfDone(ctx, listID)
}

// Progress writes a running step's progress. Lost updates are fine;
// the next write overwrites.
func (m *Manager) Progress(ctx context.Context, listID string, step model.Step, progress int, metadata map[string]any) error {
	return m.store.UpdateWizardStep(ctx, listID, step, model.StepState{
		Status:    model.StatusRunning,
		Progress:  progress,
		Metadata:  metadata,
		UpdatedAt: time.Now().UTC(),
	})
}

// finishIfDone completes the trailing marker step once every other
// step in the definition is completed.
func (m *Manager) finishIfDone(ctx context.Context, listID string) error {
	list, err := m.store.GetList(ctx, listID)
	if err != nil {
		return err
	}
	def, err := m.media.Get(list.MediaType)
	if err != nil {
		return err
	}

	last := def.Steps[len(def.Steps)-1]
	if list.Wizard.Step(last).Status == model.StatusCompleted {
		return nil
	}
	for _, step := range def.Steps[:len(def.Steps)-1] {
		if list.Wizard.Step(step).Status != model.StatusCompleted {
			return nil
		}
	}

	zap.L().Info("wizard complete", zap.String("list_id", listID))
	return m.store.UpdateWizardStep(ctx, listID, last, model.StepState{
		Status:    model.StatusCompleted,
		Progress:  100,
		UpdatedAt: time.Now().UTC(),
	})
}

func stepIndex(def *media.Definition, step model.Step) int {
	for i, s := range def.Steps {
		if s == step {
			return i
		}
	}
	return -1
}
