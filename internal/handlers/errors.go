package handlers

import (
	"log/slog"
	"strings"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"web-eq/internal/status"
)

// apiError maps a service error onto the PocketBase API error for it.
// Persistence causes are logged here and never sent to the client.
func apiError(err error) error {
	switch {
	case status.IsNotFound(err):
		return apis.NewNotFoundError(err.Error(), nil)
	case status.IsInvalidInput(err):
		return apis.NewBadRequestError(err.Error(), nil)
	default:
		slog.Error("Request failed", "error", err, "persistence", status.IsPersistence(err))
		return apis.NewInternalServerError("Something went wrong while processing your request.", nil)
	}
}

func authUserID(e *core.RequestEvent) (string, error) {
	if e.Auth == nil || e.Auth.Id == "" {
		return "", apis.NewUnauthorizedError("Unauthorized", nil)
	}
	return e.Auth.Id, nil
}

// splitIDs parses a comma separated id list, skipping blanks.
func splitIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
