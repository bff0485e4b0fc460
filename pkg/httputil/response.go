package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/mZeeshan-IQBAL/shopme/pkg/errors"
	"github.com/mZeeshan-IQBAL/shopme/pkg/logger"
	"github.com/mZeeshan-IQBAL/shopme/pkg/validator"
)

// maxBodyBytes caps every decoded request body.
const maxBodyBytes = 1 << 20

// Response is the envelope of every storefront API response. Exactly one of
// Data and Error is set.
type Response struct {
	Data  any            `json:"data,omitempty"`
	Error *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// WriteJSON encodes v with the given status. Once the header is out an
// encoding failure cannot be reported, so it is dropped.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteData wraps v in the success envelope.
func WriteData(w http.ResponseWriter, status int, v any) {
	WriteJSON(w, status, Response{Data: v})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, status int, body ErrorResponse) {
	body.RequestID = logger.CorrelationIDFromContext(r.Context())
	WriteJSON(w, status, Response{Error: &body})
}

// WriteError maps err onto the error envelope. AppErrors keep their own code
// and message. Plain sentinel errors use the shared kind table, and anything
// unclassified becomes a 500 that is logged but never echoed to the client.
//
// The request-scoped logger installed by middleware.RequestLogger is used
// when present, otherwise fallback.
func WriteError(w http.ResponseWriter, r *http.Request, err error, fallback *slog.Logger) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		writeErrorBody(w, r, appErr.Status, ErrorResponse{Code: appErr.Code, Message: appErr.Message})
		return
	}

	kind := apperrors.KindOf(err)
	message := kind.Public
	if message == "" {
		message = err.Error()
	}

	if kind.Status >= http.StatusInternalServerError {
		l := logger.FromContext(r.Context())
		if l == slog.Default() && fallback != nil {
			l = fallback
		}
		l.ErrorContext(r.Context(), "request failed",
			slog.String("error", err.Error()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", kind.Status),
		)
	}

	writeErrorBody(w, r, kind.Status, ErrorResponse{Code: kind.Code, Message: message})
}

// WriteValidationError reports a failed struct validation with per-field
// messages. Any other error is reported as INVALID_INPUT.
func WriteValidationError(w http.ResponseWriter, r *http.Request, err error) {
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		writeErrorBody(w, r, http.StatusBadRequest, ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "request validation failed",
			Fields:  valErr.Fields(),
		})
		return
	}
	writeErrorBody(w, r, http.StatusBadRequest, ErrorResponse{Code: "INVALID_INPUT", Message: err.Error()})
}

// DecodeJSON reads a JSON body into v. On failure it writes the error
// response itself and returns false.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeErrorBody(w, r, http.StatusRequestEntityTooLarge, ErrorResponse{
			Code:    "PAYLOAD_TOO_LARGE",
			Message: "request body exceeds 1MB",
		})
		return false
	}
	writeErrorBody(w, r, http.StatusBadRequest, ErrorResponse{
		Code:    "INVALID_INPUT",
		Message: "invalid request body: " + err.Error(),
	})
	return false
}
