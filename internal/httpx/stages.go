package httpx

import (
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/chatgate/internal/apperr"
	"github.com/splax/chatgate/pkg/session"
)

// maxBodyBytes is the request body ceiling. Oversized bodies are
// rejected with a client error before any route logic reads them.
const maxBodyBytes int64 = 50 << 20

// allowedMethods is the fixed cross-origin method set.
const allowedMethods = "GET, POST, PUT, DELETE, OPTIONS"

// stage is one named, ordered transformation over a request/response
// pair. The sequence assembled in stages() is a correctness requirement:
// security stages run before body-size stages run before routing runs
// before the error boundary.
type stage struct {
	name string
	wrap func(http.Handler) http.Handler
}

// stages returns the ingress pipeline in its fixed order.
func (r *Router) stages() []stage {
	return []stage{
		{name: "session", wrap: r.sessionStage},
		{name: "hpp", wrap: r.hppStage},
		{name: "secureheaders", wrap: r.secureHeadersStage},
		{name: "cors", wrap: r.corsStage},
		{name: "compress", wrap: r.compressStage},
		{name: "bodylimit", wrap: r.bodyLimitStage},
	}
}

type sessionContextKey string

const contextKeySession sessionContextKey = "chatgate-session"

// sessionStage decodes the signed session cookie into the request
// context. An invalid or expired cookie is cleared and the request
// continues anonymous; enforcement belongs to collaborator routes.
func (r *Router) sessionStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		claims, err := r.codec.Decode(req)
		switch {
		case err == nil:
			ctx := context.WithValue(req.Context(), contextKeySession, claims)
			req = req.WithContext(ctx)
		case errors.Is(err, session.ErrNoSession):
		default:
			r.codec.Clear(w)
		}
		next.ServeHTTP(w, req)
	})
}

// SessionFromContext extracts the decoded session claims, if any.
func SessionFromContext(ctx context.Context) (*session.Claims, bool) {
	claims, ok := ctx.Value(contextKeySession).(*session.Claims)
	return claims, ok
}

// hppStage normalizes duplicate query parameter names to their last
// value so downstream logic never observes polluted parameters.
func (r *Router) hppStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		query := req.URL.Query()
		polluted := false
		for key, values := range query {
			if len(values) > 1 {
				query[key] = []string{values[len(values)-1]}
				polluted = true
			}
		}
		if polluted {
			req.URL.RawQuery = query.Encode()
		}
		next.ServeHTTP(w, req)
	})
}

// secureHeadersStage applies the standard hardening header set.
func (r *Router) secureHeadersStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-DNS-Prefetch-Control", "off")
		h.Set("X-Download-Options", "noopen")
		h.Set("X-Permitted-Cross-Domain-Policies", "none")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Strict-Transport-Security", "max-age=15552000; includeSubDomains")
		next.ServeHTTP(w, req)
	})
}

// corsStage allows credentialed requests from the configured client
// origin only. Unauthorized origins are rejected before reaching routes.
func (r *Router) corsStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		if origin == "" {
			// Same-origin or non-browser client.
			next.ServeHTTP(w, req)
			return
		}
		if origin != r.origin {
			writeAppError(w, apperr.Forbidden("origin not allowed"))
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Methods", allowedMethods)
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Vary", "Origin")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// compressStage gzips response bodies when the client accepts it.
// Upgrade requests pass through untouched so the websocket handshake
// keeps its hijackable writer.
func (r *Router) compressStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Upgrade") != "" ||
			!strings.Contains(req.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, req)
			return
		}
		gz := gzip.NewWriter(w)
		defer gz.Close()
		gw := &gzipResponseWriter{ResponseWriter: w, gz: gz}
		gw.Header().Set("Content-Encoding", "gzip")
		next.ServeHTTP(gw, req)
	})
}

// bodyLimitStage caps request bodies at the fixed ceiling. A declared
// oversize length is rejected immediately; undeclared (chunked) bodies
// trip the limit during decode.
func (r *Router) bodyLimitStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.ContentLength > r.maxBody {
			writeAppError(w, apperr.PayloadTooLarge("request body exceeds size limit"))
			return
		}
		if req.Body != nil {
			req.Body = http.MaxBytesReader(w, req.Body, r.maxBody)
		}
		next.ServeHTTP(w, req)
	})
}

// gzipResponseWriter compresses everything written through it.
type gzipResponseWriter struct {
	http.ResponseWriter
	gz          *gzip.Writer
	wroteHeader bool
}

func (g *gzipResponseWriter) WriteHeader(code int) {
	if !g.wroteHeader {
		g.wroteHeader = true
		g.Header().Del("Content-Length")
		g.ResponseWriter.WriteHeader(code)
	}
}

func (g *gzipResponseWriter) Write(b []byte) (int, error) {
	if !g.wroteHeader {
		g.WriteHeader(http.StatusOK)
	}
	return g.gz.Write(b)
}

func (g *gzipResponseWriter) Flush() {
	_ = g.gz.Flush()
	if f, ok := g.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
