package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"textpilot/internal/contexts"
	"textpilot/internal/llm"
	"textpilot/internal/popup"
	"textpilot/internal/prompts"
	"textpilot/internal/selection"
)

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSONError возвращает ошибку в едином формате.
func WriteJSONError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, errorEnvelope{
		Error: errorBody{
			Code:    code,
			Message: message,
		},
	})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// classify переводит ошибку контроллера в HTTP-статус и код.
func classify(err error) (int, string) {
	var completionErr *llm.CompletionError
	switch {
	case errors.Is(err, popup.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, popup.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, popup.ErrNoResult):
		return http.StatusConflict, "no_result"
	case errors.Is(err, popup.ErrDiscarded):
		return http.StatusConflict, "discarded"
	case errors.Is(err, prompts.ErrUnknownOperation):
		return http.StatusBadRequest, "unknown_operation"
	case errors.Is(err, contexts.ErrEmptyName):
		return http.StatusBadRequest, "empty_name"
	case errors.Is(err, contexts.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, selection.ErrUnavailable):
		return http.StatusServiceUnavailable, "selection_unavailable"
	case errors.As(err, &completionErr):
		return http.StatusBadGateway, "completion_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
