package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/internal/queue"
	"github.com/rankforge/listwizard/internal/stage"
	"github.com/rankforge/listwizard/internal/wizard"
)

type createListRequest struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
}

func (s *Server) handleCreateList(w http.ResponseWriter, r *http.Request) {
	var req createListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if _, err := s.media.Get(req.MediaType); err != nil {
		respondError(w, http.StatusBadRequest, "unknown media type "+req.MediaType)
		return
	}

	list := &model.List{Name: req.Name, MediaType: req.MediaType}
	if err := s.store.CreateList(r.Context(), list); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, list)
}

func (s *Server) handleGetList(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.GetList(r.Context(), chi.URLParam(r, "listID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// stepView is one row of the wizard state response, in definition order.
type stepView struct {
	Step        model.Step       `json:"step"`
	Status      model.StepStatus `json:"status"`
	Progress    int              `json:"progress"`
	Advanceable bool             `json:"advanceable"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	Error       string           `json:"error,omitempty"`
	Skipped     bool             `json:"skipped,omitempty"`
}

type wizardView struct {
	CurrentStep model.Step `json:"current_step"`
	Steps       []stepView `json:"steps"`
}

func (s *Server) handleGetWizard(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.GetList(r.Context(), chi.URLParam(r, "listID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	def, err := s.wizard.Definition(list)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unknown media type")
		return
	}

	view := wizardView{CurrentStep: wizard.CurrentStep(list, def)}
	for _, step := range def.Steps {
		st := list.Wizard.Step(step)
		view.Steps = append(view.Steps, stepView{
			Step:        step,
			Status:      st.Status,
			Progress:    st.Progress,
			Advanceable: wizard.Advanceable(list, step),
			Metadata:    st.Metadata,
			Error:       st.Error,
			Skipped:     st.Skipped(),
		})
	}
	respondJSON(w, http.StatusOK, view)
}

type setSourceRequest struct {
	SourceHTML string `json:"source_html"`
}

func (s *Server) handleSetSource(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")

	var req setSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.SourceHTML) == "" {
		respondError(w, http.StatusBadRequest, "source_html is required")
		return
	}

	list, err := s.store.GetList(r.Context(), listID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	def, err := s.wizard.Definition(list)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unknown media type")
		return
	}
	if running, ok := wizard.Running(list, def); ok {
		respondError(w, http.StatusConflict, "step "+string(running)+" is running")
		return
	}

	if err := s.store.SetSourceHTML(r.Context(), listID, req.SourceHTML); err != nil {
		respondStoreError(w, err)
		return
	}
	if err := s.wizard.CompleteStep(r.Context(), listID, model.StepSource,
		map[string]any{"source": "html"}); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "source set"})
}

// handleCompleteReview closes the interactive review step, unlocking
// import. Item-level verify decisions happen before this through
// handleVerifyItem.
func (s *Server) handleCompleteReview(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")

	list, err := s.store.GetList(r.Context(), listID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	def, err := s.wizard.Definition(list)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unknown media type")
		return
	}
	if running, ok := wizard.Running(list, def); ok {
		respondError(w, http.StatusConflict, "step "+string(running)+" is running")
		return
	}

	items, err := s.store.ListItems(r.Context(), listID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	verified := 0
	for _, item := range items {
		if item.Verified {
			verified++
		}
	}

	if err := s.wizard.CompleteStep(r.Context(), listID, model.StepReview,
		map[string]any{"items_total": len(items), "items_verified": verified}); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "review complete"})
}

func (s *Server) handleRunStage(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")
	step := model.Step(chi.URLParam(r, "stage"))

	if !stage.Runnable(step) {
		respondError(w, http.StatusBadRequest, "stage "+string(step)+" is not runnable")
		return
	}

	list, err := s.store.GetList(r.Context(), listID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	def, err := s.wizard.Definition(list)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unknown media type")
		return
	}
	if running, ok := wizard.Running(list, def); ok {
		respondError(w, http.StatusConflict, "step "+string(running)+" is running")
		return
	}

	job, err := queue.Enqueue(r.Context(), s.store, listID, step)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")

	if _, err := s.store.GetList(r.Context(), listID); err != nil {
		respondStoreError(w, err)
		return
	}
	items, err := s.store.ListItems(r.Context(), listID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if items == nil {
		items = []model.ListItem{}
	}
	respondJSON(w, http.StatusOK, items)
}

type verifyItemRequest struct {
	Verified bool `json:"verified"`
}

// handleVerifyItem is the review step's action: a human confirms or
// rejects a flagged match. Verified items import even when validation
// flagged them.
func (s *Server) handleVerifyItem(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")
	itemID := chi.URLParam(r, "itemID")

	var req verifyItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	item, err := s.store.GetItem(r.Context(), itemID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if item.ListID != listID {
		respondError(w, http.StatusNotFound, "item not in list")
		return
	}

	if err := s.store.SetItemVerified(r.Context(), itemID, req.Verified); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": itemID, "verified": req.Verified})
}
