package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mirahq/mira/internal/continuum"
	"github.com/mirahq/mira/internal/memory"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/orchestrator"
	"github.com/mirahq/mira/internal/security"
	"github.com/mirahq/mira/internal/storage/userdata"
)

// Envelope error codes.
const (
	codeValidation    = "validation_error"
	codeUnknownDomain = "unknown_domain"
	codeNotFound      = "not_found"
	codeUnauthorized  = "unauthorized"
	codeForbidden     = "forbidden"
	codeInputRejected = "input_rejected"
	codeInternal      = "internal_error"
)

// envelope is the uniform response wrapper: success carries data, failure
// carries a coded error, and meta always carries the timestamp.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
	Meta    meta       `json:"meta"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type meta struct {
	Timestamp  time.Time   `json:"timestamp"`
	RequestID  string      `json:"request_id,omitempty"`
	Pagination *pagination `json:"pagination,omitempty"`
}

type pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// RequestError maps one failed request onto an HTTP status and envelope
// code. Handlers return it directly for request-shaped problems; other
// errors are classified by asRequestError.
type RequestError struct {
	Status  int
	Code    string
	Message string
}

func (e *RequestError) Error() string { return e.Message }

func missingField(field string) *RequestError {
	return &RequestError{
		Status:  http.StatusBadRequest,
		Code:    codeValidation,
		Message: fmt.Sprintf("missing required field: %s", field),
	}
}

func validationError(message string) *RequestError {
	return &RequestError{
		Status:  http.StatusBadRequest,
		Code:    codeValidation,
		Message: message,
	}
}

func invalidField(field, constraint string) *RequestError {
	return &RequestError{
		Status:  http.StatusBadRequest,
		Code:    codeValidation,
		Message: fmt.Sprintf("field %s %s", field, constraint),
	}
}

func unknownAction(domain, action string) *RequestError {
	return &RequestError{
		Status:  http.StatusBadRequest,
		Code:    codeValidation,
		Message: fmt.Sprintf("unknown action %q for domain %q", action, domain),
	}
}

func unknownDomain(domain string) *RequestError {
	return &RequestError{
		Status:  http.StatusUnprocessableEntity,
		Code:    codeUnknownDomain,
		Message: fmt.Sprintf("unknown domain %q", domain),
	}
}

func notFound(message string) *RequestError {
	return &RequestError{Status: http.StatusNotFound, Code: codeNotFound, Message: message}
}

func unauthorized(message string) *RequestError {
	return &RequestError{Status: http.StatusUnauthorized, Code: codeUnauthorized, Message: message}
}

func forbidden(message string) *RequestError {
	return &RequestError{Status: http.StatusForbidden, Code: codeForbidden, Message: message}
}

// asRequestError classifies an error from the lower layers. Unrecognized
// errors become an opaque 500; the handler logs the original.
func asRequestError(err error) *RequestError {
	var re *RequestError
	switch {
	case errors.As(err, &re):
		return re
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		return missingField("message")
	case security.IsInjection(err):
		return &RequestError{
			Status:  http.StatusBadRequest,
			Code:    codeInputRejected,
			Message: "message rejected by input screening",
		}
	case errors.Is(err, continuum.ErrPostponeRange):
		return &RequestError{Status: http.StatusBadRequest, Code: codeValidation, Message: err.Error()}
	case errors.Is(err, continuum.ErrContinuumNotFound),
		errors.Is(err, continuum.ErrSegmentNotFound),
		errors.Is(err, memory.ErrMemoryNotFound),
		errors.Is(err, userdata.ErrDomaindocNotFound):
		return &RequestError{Status: http.StatusNotFound, Code: codeNotFound, Message: err.Error()}
	default:
		return &RequestError{Status: http.StatusInternalServerError, Code: codeInternal, Message: "internal error"}
	}
}

func (s *Server) writeSuccess(w http.ResponseWriter, r *http.Request, data any) {
	s.writeSuccessPage(w, r, data, nil)
}

func (s *Server) writeSuccessPage(w http.ResponseWriter, r *http.Request, data any, page *pagination) {
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    data,
		Meta:    meta{Timestamp: s.now().UTC(), Pagination: page},
	})
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	re := asRequestError(err)
	if re.Status >= http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, re.Status, envelope{
		Success: false,
		Error:   &errorBody{Code: re.Code, Message: re.Message},
		Meta: meta{
			Timestamp: s.now().UTC(),
			RequestID: observability.GetRequestID(r.Context()),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeBody reads a JSON request body into dst, bounding its size.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &RequestError{Status: http.StatusBadRequest, Code: codeValidation, Message: "malformed JSON body"}
	}
	return nil
}
