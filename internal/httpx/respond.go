package httpx

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/splax/chatgate/internal/apperr"
)

// writeJSON writes a JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeAppError serializes a structured error with its declared status.
func writeAppError(w http.ResponseWriter, e *apperr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_, _ = w.Write(e.Body())
}

// DecodeJSON parses a JSON request body. Malformed bodies yield a
// structured 400; bodies over the size ceiling yield a structured 413.
func DecodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperr.PayloadTooLarge("request body exceeds size limit").WithCause(err)
		}
		return apperr.BadRequest("invalid JSON body").WithCause(err)
	}
	return nil
}

// DecodeForm parses a urlencoded request body. Duplicate parameter names
// are normalized to their last value, mirroring the query-string guard.
func DecodeForm(r *http.Request) (url.Values, error) {
	if err := r.ParseForm(); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, apperr.PayloadTooLarge("request body exceeds size limit").WithCause(err)
		}
		return nil, apperr.BadRequest("invalid form body").WithCause(err)
	}
	form := r.PostForm
	for key, values := range form {
		if len(values) > 1 {
			form[key] = []string{values[len(values)-1]}
		}
	}
	return form, nil
}

// clientIP extracts the originating address for audit logging.
func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
