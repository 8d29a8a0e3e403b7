package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type ErrorBody struct {
	Error string `json:"error"`
}

// InsufficientCreditsBody is the structured shortfall payload for unlock
// failures. The message repeats the amount so clients scanning text instead
// of the code field still extract it.
type InsufficientCreditsBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Shortfall int64  `json:"shortfall"`
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorBody{Error: message})
}

func WriteInsufficientCredits(w http.ResponseWriter, shortfall int64) {
	WriteJSON(w, http.StatusForbidden, InsufficientCreditsBody{
		Error:     fmt.Sprintf("Insufficient credits. You need %d more credits.", shortfall),
		Code:      "insufficient_credits",
		Shortfall: shortfall,
	})
}
