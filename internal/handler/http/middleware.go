package http

import (
	"net/http"
	"strings"

	apperrors "github.com/mZeeshan-IQBAL/shopme/pkg/errors"
	"github.com/mZeeshan-IQBAL/shopme/pkg/httputil"
	"github.com/mZeeshan-IQBAL/shopme/pkg/logger"
	"github.com/mZeeshan-IQBAL/shopme/pkg/middleware"
)

// SessionFromHeader reads the X-Session-ID header and stores it in the
// request context. Requests without the header are rejected with 401; an
// unknown session is reported by the handler as 404.
func SessionFromHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(middleware.SessionHeader))
		if id == "" {
			httputil.WriteError(w, r, apperrors.Unauthorized(middleware.SessionHeader+" header is required"), nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(logger.WithSessionID(r.Context(), id)))
	})
}

// sessionID returns the id stored by SessionFromHeader.
func sessionID(r *http.Request) string {
	return logger.SessionIDFromContext(r.Context())
}

// ContentTypeJSON enforces that requests with a body have Content-Type: application/json.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > 0 || r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				httputil.WriteJSON(w, http.StatusUnsupportedMediaType, httputil.Response{
					Error: &httputil.ErrorResponse{
						Code:    "UNSUPPORTED_MEDIA_TYPE",
						Message: "Content-Type must be application/json",
					},
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
