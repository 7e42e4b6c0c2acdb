package httpx

import (
	"errors"
	"net/http"

	"github.com/reflyh2/assetflow/internal/shared"
)

// RespondError maps shared sentinel errors to HTTP responses using RFC7807.
// Module handlers map their own typed errors first and fall back here.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
