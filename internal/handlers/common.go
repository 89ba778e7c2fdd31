package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/scfchain/backend/internal/models"
	"github.com/scfchain/backend/internal/services"
)

const maxBodyBytes = 1_048_576

// decodeBody reads exactly one JSON object into dst. It writes the error
// response itself and reports whether the handler may continue.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

func principal(w http.ResponseWriter, r *http.Request) (models.Principal, bool) {
	p, ok := models.PrincipalFrom(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return models.Principal{}, false
	}
	return p, true
}
