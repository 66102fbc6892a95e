package httpx

import (
	"fmt"
	"net/http"

	"github.com/splax/chatgate/internal/apperr"
)

// HandlerFunc is the route handler shape attached through the registrar.
// A returned error flows to the boundary for response shaping; handlers
// never serialize failures themselves.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// handleNotFound is the catch-all for unmatched routes.
func (r *Router) handleNotFound(w http.ResponseWriter, req *http.Request) {
	writeAppError(w, apperr.NotFound(fmt.Sprintf("%s not found", req.URL.Path)))
}

// serializeFailure is the single point of response shaping for
// cross-cutting failures. Structured errors keep their declared status
// and body; anything else gets a generic 500 with detail kept
// server-side.
func (r *Router) serializeFailure(w http.ResponseWriter, req *http.Request, err error) {
	r.log.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
	if e, ok := apperr.FromError(err); ok {
		writeAppError(w, e)
		return
	}
	writeAppError(w, apperr.Internal(err))
}

// boundary adapts an error-returning handler into the serializer.
func (r *Router) boundary(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := h(w, req); err != nil {
			r.serializeFailure(w, req, err)
		}
	}
}

// recoverStage converts panics anywhere in the pipeline or route logic
// into serialized failures. It sits outermost so it observes a failure
// only after the stages before it completed or explicitly failed.
func (r *Router) recoverStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("panic: %v", rec)
				}
				r.serializeFailure(w, req, err)
			}
		}()
		next.ServeHTTP(w, req)
	})
}
