package model

import "time"

// Step names one phase of the list-import wizard.
type Step string

// Wizard steps in canonical order. Media definitions may skip steps but
// never reorder them.
const (
	StepSource   Step = "source"
	StepParse    Step = "parse"
	StepEnrich   Step = "enrich"
	StepValidate Step = "validate"
	StepReview   Step = "review"
	StepImport   Step = "import"
	StepComplete Step = "complete"
)

// StepStatus is the lifecycle state of a single wizard step.
type StepStatus string

const (
	StatusIdle      StepStatus = "idle"
	StatusRunning   StepStatus = "running"
	StatusCompleted StepStatus = "completed"
	StatusFailed    StepStatus = "failed"
)

// ValidStepStatus reports whether s is one of the four known statuses.
func ValidStepStatus(s StepStatus) bool {
	switch s {
	case StatusIdle, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// StepState is the persisted record for one wizard step. Updates are
// whole-record overwrites: a retried job converges to its latest write
// without merging.
type StepState struct {
	Status    StepStatus     `json:"status"`
	Progress  int            `json:"progress"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at,omitzero"`
}

// WizardState holds per-step state for one list, keyed by step name.
// Step order lives in the media definition, not here.
type WizardState struct {
	Steps map[Step]StepState `json:"steps"`
}

// Step returns the state for a step, defaulting to idle when the step
// has never been written.
func (w WizardState) Step(s Step) StepState {
	if st, ok := w.Steps[s]; ok {
		return st
	}
	return StepState{Status: StatusIdle}
}

// SetStep overwrites one step's state, leaving all others untouched.
func (w *WizardState) SetStep(s Step, st StepState) {
	if w.Steps == nil {
		w.Steps = make(map[Step]StepState)
	}
	w.Steps[s] = st
}

// Skipped reports whether a step was marked completed because its
// applicability predicate excluded it.
func (st StepState) Skipped() bool {
	if st.Metadata == nil {
		return false
	}
	skipped, _ := st.Metadata["skipped"].(bool)
	return skipped
}
