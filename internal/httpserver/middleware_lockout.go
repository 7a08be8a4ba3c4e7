package httpserver

import (
	"net/http"

	apierrors "github.com/tutorhive/server/internal/errors"
	"github.com/tutorhive/server/internal/logger"
)

// statusRecorder captures the handler's status code so the lockout guard can
// classify the attempt after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// lockoutMiddleware suspends accounts that keep issuing rejected commands.
// Accounts are identified by the X-User-ID header; anonymous requests pass
// through untouched because the per-IP rate limiter already covers them.
// Guard errors fail open.
func (h handlers) lockoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.lockouts == nil || !h.cfg.Lockout.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		account := r.Header.Get("X-User-ID")
		if account == "" {
			next.ServeHTTP(w, r)
			return
		}

		log := logger.FromContext(r.Context())
		allowed, err := h.lockouts.Allowed(r.Context(), account)
		if err != nil {
			log.Warn().Err(err).Msg("lockout check failed, allowing request")
		}
		if !allowed {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeAccountLocked, "account temporarily locked after repeated failures")
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		switch {
		case rec.status >= 400 && rec.status < 500 && rec.status != http.StatusNotFound:
			triggered, err := h.lockouts.RecordFailure(r.Context(), account)
			if err != nil {
				log.Warn().Err(err).Msg("lockout failure record failed")
			}
			if triggered {
				log.Warn().Str("account", account).Msg("account locked")
			}
		case rec.status < 300:
			if err := h.lockouts.RecordSuccess(r.Context(), account); err != nil {
				log.Warn().Err(err).Msg("lockout reset failed")
			}
		}
	})
}
