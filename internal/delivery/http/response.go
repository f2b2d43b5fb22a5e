package http

import (
	"encoding/json"
	"errors"
	"net/http"

	ledger "github.com/tair/rxsync/internal/ledger/domain"
)

type Response struct {
	Success  bool        `json:"success"`
	Message  string      `json:"message,omitempty"`
	Data     interface{} `json:"data,omitempty"`
	Error    string      `json:"error,omitempty"`
	Category string      `json:"category,omitempty"`
	Code     string      `json:"code,omitempty"`
	Details  []string    `json:"details,omitempty"`
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError maps an error's category to a status code.
func respondError(w http.ResponseWriter, err error) {
	category := ledger.CategoryOf(err)
	resp := Response{
		Success:  false,
		Error:    err.Error(),
		Category: string(category),
	}

	var opErr *ledger.OpError
	if errors.As(err, &opErr) {
		resp.Error = opErr.Message
		resp.Code = opErr.Code
		resp.Details = opErr.Details
	}
	respondJSON(w, statusFor(category, resp.Code), resp)
}

func statusFor(category ledger.ErrorCategory, code string) int {
	switch category {
	case ledger.CategoryValidation:
		if code == ledger.CodeNotFound {
			return http.StatusNotFound
		}
		return http.StatusUnprocessableEntity
	case ledger.CategoryResourceConflict:
		return http.StatusConflict
	case ledger.CategoryRemoteTransient:
		return http.StatusServiceUnavailable
	case ledger.CategoryRemoteAuth:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func badRequest(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusBadRequest, Response{
		Success:  false,
		Error:    message,
		Category: string(ledger.CategoryValidation),
		Code:     ledger.CodeInvalidRequest,
	})
}
