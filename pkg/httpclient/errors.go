package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/mZeeshan-IQBAL/shopme/pkg/errors"
)

// ErrUpstreamServer marks a 5xx answer from the backend. The circuit breaker
// counts these as failures.
var ErrUpstreamServer = errors.New("upstream server error")

// maxErrorBody bounds how much of a failed response is read.
const maxErrorBody = 1 << 20

// errorBody accepts both backend error shapes: {"error":{"code","message"}}
// and {"message":"..."}.
type errorBody struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

func (b errorBody) codeAndMessage() (code, message string, ok bool) {
	switch {
	case b.Error != nil:
		return b.Error.Code, b.Error.Message, true
	case b.Message != "":
		return "", b.Message, true
	}
	return "", "", false
}

// clientStatuses are the backend answers that keep their meaning when
// relayed to the storefront's own clients. The backend's status is kept;
// the sentinel supplies the code.
var clientStatuses = map[int]error{
	http.StatusBadRequest:          apperrors.ErrInvalidInput,
	http.StatusUnprocessableEntity: apperrors.ErrInvalidInput,
	http.StatusUnauthorized:        apperrors.ErrUnauthorized,
	http.StatusForbidden:           apperrors.ErrForbidden,
	http.StatusNotFound:            apperrors.ErrNotFound,
	http.StatusConflict:            apperrors.ErrConflict,
	http.StatusServiceUnavailable:  apperrors.ErrServiceUnavail,
}

// ParseResponseError consumes and closes the body of a non-2xx response and
// turns it into an error. A structured body becomes an AppError whose
// message is prefixed with service; an unstructured one is reported verbatim
// with the status.
func ParseResponseError(resp *http.Response, service string) error {
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("%s returned status %d, reading body: %w", service, resp.StatusCode, err)
	}

	var body errorBody
	if json.Unmarshal(raw, &body) == nil {
		if code, message, ok := body.codeAndMessage(); ok {
			return statusError(resp.StatusCode, code, service+": "+message)
		}
	}
	return fmt.Errorf("%s returned status %d: %s", service, resp.StatusCode, raw)
}

func statusError(status int, code, message string) error {
	if sentinel, ok := clientStatuses[status]; ok {
		kind := apperrors.KindOf(sentinel)
		return &apperrors.AppError{Code: kind.Code, Message: message, Status: status, Err: sentinel}
	}
	if status >= http.StatusInternalServerError {
		if code != "" {
			message = code + " " + message
		}
		return fmt.Errorf("%w: status %d: %s", ErrUpstreamServer, status, message)
	}
	if code == "" {
		code = http.StatusText(status)
	}
	return &apperrors.AppError{Code: code, Message: message, Status: status}
}

// AsAppError classifies a failed backend call for the API layer. App errors
// pass through; an open circuit, a 5xx answer or a transport failure become
// SERVICE_UNAVAILABLE. Context cancellation is returned unchanged.
func AsAppError(err error) error {
	var appErr *apperrors.AppError
	switch {
	case err == nil, errors.As(err, &appErr):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrCircuitOpen):
		return unavailable("backend unavailable, circuit open", err)
	case errors.Is(err, ErrUpstreamServer):
		return unavailable("backend error", err)
	}
	return unavailable("backend unreachable", err)
}

func unavailable(message string, cause error) *apperrors.AppError {
	err := apperrors.ServiceUnavailable(message)
	err.Err = fmt.Errorf("%w: %w", apperrors.ErrServiceUnavail, cause)
	return err
}
