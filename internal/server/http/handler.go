package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/memsync/internal/errs"
	"github.com/and161185/memsync/internal/model"
	"github.com/and161185/memsync/internal/service"
)

const maxBody = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	events Events
	log    *zap.Logger
}

func (h *handler) orders(w http.ResponseWriter, r *http.Request) {
	var ev model.OrderCompleted
	if !decode(w, r, &ev) {
		return
	}
	out, err := h.events.OrderCompleted(r.Context(), ev)
	h.respond(w, r, out, err)
}

func (h *handler) registrations(w http.ResponseWriter, r *http.Request) {
	var reg model.Registration
	if !decode(w, r, &reg) {
		return
	}
	out, err := h.events.RegistrationSubmitted(r.Context(), reg)
	h.respond(w, r, out, err)
}

func (h *handler) subscriptions(w http.ResponseWriter, r *http.Request) {
	var ev model.StatusChanged
	if !decode(w, r, &ev) {
		return
	}
	out, err := h.events.StatusChanged(r.Context(), ev)
	h.respond(w, r, out, err)
}

// respond answers 202 with the outcome even when steps failed; failed steps
// are already recorded for operators.
func (h *handler) respond(w http.ResponseWriter, r *http.Request, out *service.Outcome, err error) {
	switch {
	case errors.Is(err, errs.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case err != nil:
		h.log.Error("event handling", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
	default:
		if n := out.Failed(); n > 0 {
			h.log.Warn("event accepted with failed steps",
				zap.String("event", out.Event),
				zap.String("reference", out.Reference),
				zap.Int("failed", n),
				zap.String("sender", SenderFromCtx(r.Context())),
			)
		}
		writeJSON(w, http.StatusAccepted, out)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("malformed payload: %v", err)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
