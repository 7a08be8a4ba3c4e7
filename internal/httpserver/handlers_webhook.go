package httpserver

import (
	"errors"
	"io"
	"net/http"

	apierrors "github.com/tutorhive/server/internal/errors"
	"github.com/tutorhive/server/internal/logger"
	"github.com/tutorhive/server/internal/webhookin"
	"github.com/tutorhive/server/pkg/responders"
)

// maxWebhookBodyBytes bounds provider payloads. Stripe events are a few KB;
// anything larger is not ours.
const maxWebhookBodyBytes = 1 << 20

// handleStripeWebhook handles POST /webhooks/stripe. The response code is the
// contract with the provider's retry loop: 2xx stops retries (including
// duplicates and stale events), 400 stops retries for forgeries, 5xx asks for
// redelivery.
func (h handlers) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "unreadable payload")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if err := h.ingress.HandleRaw(r.Context(), payload, signature); err != nil {
		if errors.Is(err, webhookin.ErrInvalidSignature) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "webhook signature verification failed")
			return
		}
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("webhook processing failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "event not applied")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]bool{"received": true})
}
