package httpserver

import (
	"context"
	"errors"
	"net/http"

	apierrors "github.com/tutorhive/server/internal/errors"
	"github.com/tutorhive/server/internal/logger"
	"github.com/tutorhive/server/internal/orchestrator"
)

// writeServiceError translates an orchestrator failure into the wire error
// format. Unrecognised errors are logged and reported as internal_error so
// storage and provider details never leak to callers.
func (h handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if opErr, ok := orchestrator.AsError(err); ok {
		apierrors.WriteSimpleError(w, opErr.Code, opErr.Message)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "request timed out")
		return
	}
	log := logger.FromContext(r.Context())
	log.Error().Err(err).
		Str("path", r.URL.Path).
		Msg("unhandled service error")
	apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "internal error")
}
