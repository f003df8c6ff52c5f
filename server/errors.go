package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
)

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.IsConfiguration(err):
		return http.StatusUnprocessableEntity
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsConflict(err), errors.IsInvalidTransition(err):
		return http.StatusConflict
	case errors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// handleError writes err with the status its kind maps to. Client errors
// carry their message and hints; server errors are logged and reported
// without internals.
func handleError(w http.ResponseWriter, log *zap.SugaredLogger, err error, context string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Errorw(context, logger.FieldError, err)
		writeError(w, status, context)
		return
	}
	log.Debugw(context, logger.FieldError, err, logger.FieldStatus, status)
	writeJSON(w, status, errorBody{Error: err.Error(), Hint: errors.FlattenHints(err)})
}
