package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/scfchain/backend/internal/models"
	"github.com/scfchain/backend/internal/services"
)

type PledgeHandler struct {
	pledges *services.PledgeService
}

func NewPledgeHandler(pledges *services.PledgeService) *PledgeHandler {
	return &PledgeHandler{pledges: pledges}
}

func (h *PledgeHandler) Routes(r chi.Router) {
	r.Post("/pledges/initiate", h.Initiate)
	r.Post("/pledges/confirm", h.Confirm)
	r.Post("/pledges/release", h.Release)
	r.Get("/pledges", h.Search)
	r.Get("/pledges/pending", h.Pending)
	r.Get("/pledges/{id}", h.Get)
	r.Get("/pledges/{id}/release", h.GetRelease)
	r.Get("/receipts/{id}/pledges", h.History)
}

// Initiate freezes the caller's receipt and opens a PLEDGE endorsement.
func (h *PledgeHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	var req services.InitiatePledgeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.pledges.InitiatePledge(r.Context(), req, caller.UserID, caller.UserName)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, res)
}

// Confirm records the institution's decision on a pending pledge.
func (h *PledgeHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	var req services.ConfirmPledgeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.pledges.ConfirmPledge(r.Context(), req, caller.UserID, caller.UserName)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, res)
}

func (h *PledgeHandler) Release(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	var req services.ReleasePledgeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.pledges.ReleasePledge(r.Context(), req, caller.UserID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, res)
}

func (h *PledgeHandler) Get(w http.ResponseWriter, r *http.Request) {
	pledge, err := h.pledges.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, pledge)
}

func (h *PledgeHandler) GetRelease(w http.ResponseWriter, r *http.Request) {
	release, err := h.pledges.GetRelease(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, release)
}

func (h *PledgeHandler) Pending(w http.ResponseWriter, r *http.Request) {
	institutionID := r.URL.Query().Get("institutionId")
	if institutionID == "" {
		services.SendErrorResponse(w, "institutionId is required", http.StatusBadRequest, nil)
		return
	}
	records, err := h.pledges.PendingForInstitution(r.Context(), institutionID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, records)
}

func (h *PledgeHandler) History(w http.ResponseWriter, r *http.Request) {
	items, err := h.pledges.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, items)
}

func (h *PledgeHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	search := services.PledgeSearch{
		ReceiptID:     q.Get("receiptId"),
		OwnerID:       q.Get("ownerId"),
		InstitutionID: q.Get("institutionId"),
		Status:        models.PledgeStatus(q.Get("status")),
	}
	var err error
	if search.Page, err = intParam(q.Get("page")); err != nil {
		services.SendErrorResponse(w, "page must be an integer", http.StatusBadRequest, nil)
		return
	}
	if search.Size, err = intParam(q.Get("size")); err != nil {
		services.SendErrorResponse(w, "size must be an integer", http.StatusBadRequest, nil)
		return
	}

	page, err := h.pledges.Search(r.Context(), search)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, page)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
