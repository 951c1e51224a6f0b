package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Machine-readable error codes carried in the response envelope.
const (
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeInternal            = "INTERNAL"
)

// envelope is the uniform JSON response shape. Exactly one of Data and
// Error is set.
type envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *apiError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// paged wraps list data with pagination counters.
type paged struct {
	Items    any `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := envelope{
		Success:   false,
		Error:     &apiError{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	}

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to write error response", slog.String("error", err.Error()))
	}
}
