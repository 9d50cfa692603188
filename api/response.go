package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/malwarebo/mentorpay/utils"
)

const maxPageLimit = 500

type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// writeError maps err to its HTTP status. Only server-side failures are
// logged at error level; client mistakes are logged as warnings.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := utils.ToAPIError(err)
	if apiErr.Code >= http.StatusInternalServerError {
		utils.LogError(r.Context(), err, "request failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
	} else {
		utils.Warn(r.Context(), "request rejected", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     apiErr.Code,
			"error_kind": apiErr.Kind,
			"error":      err.Error(),
		})
	}
	writeJSON(w, apiErr.Code, ErrorResponse{Error: apiErr.Message, Kind: apiErr.Kind, Details: apiErr.Details})
}

// readBody reads the raw request body. Webhook signatures are computed over
// the exact bytes, so handlers never decode before this.
func readBody(r *http.Request) ([]byte, error) {
	payload, err := io.ReadAll(r.Body)
	if err == nil {
		return payload, nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return nil, utils.NewAPIError(http.StatusRequestEntityTooLarge, "Request body too large")
	}
	return nil, utils.ErrInvalidRequest
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}
