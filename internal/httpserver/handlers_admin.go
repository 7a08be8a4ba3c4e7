package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/tutorhive/server/internal/errors"
	"github.com/tutorhive/server/internal/outbox"
	"github.com/tutorhive/server/pkg/responders"
)

type deadIntentResponse struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	BookingID   int64     `json:"bookingId"`
	AmountCents int64     `json:"amountCents,omitempty"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// listDeadIntents handles GET /admin/intents/dead.
func (h handlers) listDeadIntents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	dead, err := h.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	items := make([]deadIntentResponse, 0, len(dead))
	for _, d := range dead {
		items = append(items, deadIntentResponse{
			ID:          d.ID,
			Kind:        string(d.Intent.Kind),
			BookingID:   d.Intent.BookingID,
			AmountCents: d.Intent.AmountCents,
			Attempts:    d.Attempts,
			LastError:   d.LastError,
			CreatedAt:   d.CreatedAt,
			UpdatedAt:   d.UpdatedAt,
		})
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"intents": items,
		"count":   len(items),
	})
}

// retryDeadIntent handles POST /admin/intents/{id}/retry. The entry returns
// to the pending set with a fresh attempt budget.
func (h handlers) retryDeadIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.queue.Requeue(r.Context(), id); err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeIntentNotFound, "no dead intent with that id")
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Info().Str("intent_id", id).Msg("dead intent requeued")
	responders.JSON(w, http.StatusOK, map[string]any{"requeued": true, "id": id})
}

// deleteDeadIntent handles DELETE /admin/intents/{id}. Dropping an intent is
// an explicit operator decision that the side effect must never run.
func (h handlers) deleteDeadIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.queue.DeleteDeadLetter(r.Context(), id); err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeIntentNotFound, "no dead intent with that id")
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.Info().Str("intent_id", id).Msg("dead intent dropped")
	responders.JSON(w, http.StatusOK, map[string]any{"deleted": true, "id": id})
}
