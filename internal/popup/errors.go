package popup

import (
	"context"
	"errors"
	"fmt"

	"textpilot/internal/contexts"
	"textpilot/internal/llm"
	"textpilot/internal/prompts"
	"textpilot/internal/selection"
)

// UserMessage превращает err в текст, который показывает попап.
func UserMessage(err error) string {
	var completionErr *llm.CompletionError
	switch {
	case errors.Is(err, ErrBusy):
		return "Please wait for the current request to finish."
	case errors.Is(err, ErrNoResult):
		return "There is nothing to copy yet."
	case errors.Is(err, ErrInvalidTransition):
		return "This action is not available right now."
	case errors.Is(err, selection.ErrUnavailable):
		return "Could not read the selection. Open a regular web page, select some text and try again."
	case errors.Is(err, prompts.ErrUnknownOperation):
		return "This action is not supported."
	case errors.As(err, &completionErr):
		if completionErr.Status != 0 {
			return fmt.Sprintf("The model request failed (HTTP %d). Try again.", completionErr.Status)
		}
		return "The model request failed. Check your connection and try again."
	case errors.Is(err, contexts.ErrEmptyName):
		return "Context name must not be empty."
	case errors.Is(err, contexts.ErrNotFound):
		return "The selected context no longer exists."
	case errors.Is(err, context.DeadlineExceeded):
		return "The request took too long. Try again."
	default:
		return "Something went wrong: " + err.Error()
	}
}
