package handlers

import (
	"net/http"

	apperrors "github.com/hapiai/lmslink/internal/errors"
)

// respondWithError writes err as an envelope. Client failures arrive as
// *core.APIError and keep their kind through FromAPIError.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}
