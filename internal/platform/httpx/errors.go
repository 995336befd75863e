package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/retail-ledger/internal/shared"
)

// ErrBadRequest marks malformed request bodies or parameters.
var ErrBadRequest = errors.New("bad request")

// RespondError maps domain errors to envelope responses.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, shared.ErrValidation):
		Fail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Fail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, shared.ErrConflict):
		Fail(w, http.StatusConflict, err.Error())
	case errors.Is(err, shared.ErrConsistency):
		Fail(w, http.StatusUnprocessableEntity, err.Error())
	default:
		Fail(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}
