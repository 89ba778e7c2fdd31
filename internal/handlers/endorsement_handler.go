package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/scfchain/backend/internal/models"
	"github.com/scfchain/backend/internal/services"
)

type EndorsementHandler struct {
	endorsements *services.EndorsementService
	pledges      *services.PledgeService
	certificates *services.CertificateService
	validator    *services.ValidationHelper
}

func NewEndorsementHandler(endorsements *services.EndorsementService, pledges *services.PledgeService,
	certificates *services.CertificateService) *EndorsementHandler {
	return &EndorsementHandler{
		endorsements: endorsements,
		pledges:      pledges,
		certificates: certificates,
		validator:    services.NewValidationHelper(),
	}
}

func (h *EndorsementHandler) Routes(r chi.Router) {
	r.Post("/endorsements", h.Create)
	r.Get("/endorsements", h.Query)
	r.Get("/endorsements/pending", h.Pending)
	r.Get("/endorsements/stuck", h.Stuck)
	r.Get("/endorsements/{id}", h.Get)
	r.Post("/endorsements/{id}/confirm", h.Confirm)
	r.Post("/endorsements/{id}/blockchain", h.AttachBlockchain)
	r.Get("/endorsements/{id}/certificate", h.Certificate)
	r.Get("/receipts/{id}/endorsements", h.Chain)
	r.Get("/receipts/{id}/endorsements/count", h.Count)
}

// Create opens a TRANSFER or CANCEL endorsement on a receipt owned by the caller.
func (h *EndorsementHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	var req services.CreateEndorsementRequest
	if !decodeBody(w, r, &req) {
		return
	}

	record, err := h.pledges.CreateEndorsement(r.Context(), req, caller.UserID, caller.UserName)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, record)
}

func (h *EndorsementHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	var req services.ConfirmEndorsementRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.pledges.ConfirmEndorsement(r.Context(), chi.URLParam(r, "id"), req, caller.UserID, caller.UserName)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, res)
}

func (h *EndorsementHandler) AttachBlockchain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxHash      string `json:"txHash" validate:"required,max=80"`
		BlockNumber uint64 `json:"blockNumber"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	record, err := h.endorsements.AttachBlockchainInfo(r.Context(), chi.URLParam(r, "id"), req.TxHash, req.BlockNumber)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, record)
}

func (h *EndorsementHandler) Get(w http.ResponseWriter, r *http.Request) {
	record, err := h.endorsements.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, record)
}

func (h *EndorsementHandler) Certificate(w http.ResponseWriter, r *http.Request) {
	image, err := h.certificates.QRCode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(image)
}

func (h *EndorsementHandler) Query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.EndorsementFilter{
		ReceiptID:   q.Get("receiptId"),
		EndorseFrom: q.Get("endorseFrom"),
		EndorseTo:   q.Get("endorseTo"),
		OperatorID:  q.Get("operatorId"),
		Type:        models.EndorsementType(q.Get("type")),
		Status:      models.EndorsementStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			services.SendErrorResponse(w, "limit must be a positive integer", http.StatusBadRequest, nil)
			return
		}
		filter.Limit = limit
	}

	records, err := h.endorsements.Query(r.Context(), filter)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, records)
}

func (h *EndorsementHandler) Pending(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		services.SendErrorResponse(w, "target is required", http.StatusBadRequest, nil)
		return
	}
	records, err := h.endorsements.PendingForTarget(r.Context(), target)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, records)
}

func (h *EndorsementHandler) Stuck(w http.ResponseWriter, r *http.Request) {
	olderThan := 15 * time.Minute
	if v := r.URL.Query().Get("olderThan"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			services.SendErrorResponse(w, "olderThan must be a duration such as 15m", http.StatusBadRequest, nil)
			return
		}
		olderThan = d
	}
	items, err := h.endorsements.Stuck(r.Context(), olderThan)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, items)
}

func (h *EndorsementHandler) Chain(w http.ResponseWriter, r *http.Request) {
	records, err := h.endorsements.Chain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, records)
}

func (h *EndorsementHandler) Count(w http.ResponseWriter, r *http.Request) {
	receiptID := chi.URLParam(r, "id")
	count, err := h.endorsements.CountByReceipt(r.Context(), receiptID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSON(w, map[string]any{"receiptId": receiptID, "count": count})
}
