package httputil

import (
	"errors"
	"net/http"

	"github.com/hivemark/hivemark/internal/goals"
	"github.com/hivemark/hivemark/internal/remote"
)

// HandleError maps service errors to HTTP responses.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	var statusErr *remote.StatusError

	switch {
	case errors.Is(err, goals.ErrUnauthorized):
		Error(w, http.StatusUnauthorized, "sign in required")
	case errors.As(err, &statusErr):
		Error(w, http.StatusBadGateway, "upstream request failed")
	default:
		LoggerFrom(r.Context()).Error("unhandled error", "error", err, "path", r.URL.Path)
		Error(w, http.StatusInternalServerError, "internal server error")
	}
}
