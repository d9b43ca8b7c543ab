package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"textpilot/internal/contexts"
	"textpilot/internal/middleware"
	"textpilot/internal/popup"
	"textpilot/internal/prompts"
)

const maxBodyBytes = 1 << 20

// Controller это автомат состояний попапа, которым управляет API.
type Controller interface {
	Run(ctx context.Context, op prompts.Operation) (string, error)
	BeginContextCreation() error
	SubmitContext(ctx context.Context, name string) (contexts.Context, error)
	CancelContextCreation() error
	SelectContext(ctx context.Context, id string) (contexts.Context, error)
	SelectContextByName(ctx context.Context, name string) (contexts.Context, error)
	DeselectContext()
	AddToContext(ctx context.Context) error
	Copy() error
	ClearContext(ctx context.Context) error
	Snapshot() popup.Snapshot
	Contexts(ctx context.Context) ([]contexts.Context, error)
}

type handlers struct {
	ctrl   Controller
	logger *slog.Logger
}

type runResponse struct {
	Result string         `json:"result"`
	State  popup.Snapshot `json:"state"`
}

type contextsResponse struct {
	Contexts []contexts.Context `json:"contexts"`
}

type operationsResponse struct {
	Operations []prompts.Operation `json:"operations"`
}

type nameRequest struct {
	Name string `json:"name"`
}

// selectRequest выбирает контекст по id; name используется, если id пуст.
type selectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *handlers) state(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func (h *handlers) operations(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, operationsResponse{Operations: prompts.Available()})
}

func (h *handlers) runOperation(w http.ResponseWriter, r *http.Request) {
	op := prompts.Operation(chi.URLParam(r, "op"))
	result, err := h.ctrl.Run(r.Context(), op)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, runResponse{Result: result, State: h.ctrl.Snapshot()})
}

func (h *handlers) copy(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Copy(); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeState(w)
}

func (h *handlers) listContexts(w http.ResponseWriter, r *http.Request) {
	list, err := h.ctrl.Contexts(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, contextsResponse{Contexts: list})
}

func (h *handlers) beginCreation(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.BeginContextCreation(); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeState(w)
}

func (h *handlers) cancelCreation(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.CancelContextCreation(); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeState(w)
}

func (h *handlers) submitContext(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decodeBody(w, r, &req) {
		return
	}
	created, err := h.ctrl.SubmitContext(r.Context(), req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

func (h *handlers) selectContext(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var err error
	switch {
	case req.ID != "":
		_, err = h.ctrl.SelectContext(r.Context(), req.ID)
	case req.Name != "":
		_, err = h.ctrl.SelectContextByName(r.Context(), req.Name)
	default:
		WriteJSONError(w, http.StatusBadRequest, "bad_request", "id or name is required")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeState(w)
}

func (h *handlers) deselectContext(w http.ResponseWriter, r *http.Request) {
	h.ctrl.DeselectContext()
	h.writeState(w)
}

func (h *handlers) addToContext(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.AddToContext(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeState(w)
}

func (h *handlers) clearContexts(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.ClearContext(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeState(w)
}

// fail пишет ошибку в формате WriteJSONError; 5xx дополнительно логируются.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError && h.logger != nil {
		h.logger.Warn("request failed",
			slog.String("path", r.URL.Path),
			slog.String("code", code),
			slog.String("request_id", middleware.RequestIDFrom(r.Context())),
			slog.String("error", err.Error()),
		)
	}
	WriteJSONError(w, status, code, popup.UserMessage(err))
}

func (h *handlers) writeState(w http.ResponseWriter) {
	WriteJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "bad_request", "cannot parse request body")
		return false
	}
	return true
}
