package errors

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// WriteJSON encodes body with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[ERROR] encode response: %v", err)
	}
}

// JSONError writes {"success":false,"error":message}.
func JSONError(w http.ResponseWriter, r *http.Request, status int, message string) {
	WriteJSON(w, status, errorBody{Success: false, Error: message})
}

func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	requestID := middleware.GetReqID(r.Context())

	// Log the actual error with request ID for debugging
	if requestID != "" {
		log.Printf("[ERROR] RequestID=%s: %s: %v", requestID, message, err)
	} else {
		log.Printf("[ERROR] %s: %v", message, err)
	}

	// Return generic error to client
	JSONError(w, r, http.StatusInternalServerError, "internal server error")
}

func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	requestID := middleware.GetReqID(r.Context())

	if requestID != "" {
		log.Printf("[WARN] RequestID=%s: bad request: %v", requestID, err)
	} else {
		log.Printf("[WARN] bad request: %v", err)
	}

	JSONError(w, r, http.StatusBadRequest, clientMessage)
}

func LogError(r *http.Request, message string, err error) {
	requestID := middleware.GetReqID(r.Context())

	if requestID != "" {
		log.Printf("[ERROR] RequestID=%s: %s: %v", requestID, message, err)
	} else {
		log.Printf("[ERROR] %s: %v", message, err)
	}
}

func LogInfo(r *http.Request, message string) {
	requestID := middleware.GetReqID(r.Context())

	if requestID != "" {
		log.Printf("[INFO] RequestID=%s: %s", requestID, message)
	} else {
		log.Printf("[INFO] %s", message)
	}
}
