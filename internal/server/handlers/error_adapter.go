package handlers

import (
	"errors"
	"net/http"

	apperrors "github.com/loomworks/shardloom/internal/errors"
	"github.com/loomworks/shardloom/pkg/checkpoint"
)

// HTTPErrorResponder translates a handler error into an HTTP response.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder overrides how handler errors are rendered. Passing
// nil restores the default.
func SetHTTPErrorResponder(responder HTTPErrorResponder) {
	if responder == nil {
		httpErrorResponder = defaultErrorResponder
		return
	}
	httpErrorResponder = responder
}

func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		apperrors.RespondWithError(w, http.StatusNotFound, apperrors.CodeNotFound, err.Error())
	case errors.Is(err, checkpoint.ErrClaimConflict), errors.Is(err, checkpoint.ErrStaleWrite):
		apperrors.RespondWithError(w, http.StatusConflict, apperrors.CodeConflict, err.Error())
	default:
		apperrors.RespondWithError(w, http.StatusInternalServerError, apperrors.CodeInternal, err.Error())
	}
}
