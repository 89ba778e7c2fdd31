package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/scfchain/backend/internal/services"
)

// LedgerHandler receives results pushed by the ledger gateway.
type LedgerHandler struct {
	reconciler *services.Reconciler
}

func NewLedgerHandler(reconciler *services.Reconciler) *LedgerHandler {
	return &LedgerHandler{reconciler: reconciler}
}

func (h *LedgerHandler) Routes(r chi.Router) {
	r.Post("/ledger/callbacks", h.Callback)
}

func (h *LedgerHandler) Callback(w http.ResponseWriter, r *http.Request) {
	var req services.LedgerCallback
	if !decodeBody(w, r, &req) {
		return
	}

	sub, err := h.reconciler.HandleCallback(r.Context(), req)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, map[string]any{
		"businessKey": sub.BusinessKey,
		"status":      sub.Status,
		"txHash":      sub.TxHash,
	})
}
