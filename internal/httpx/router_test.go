package httpx

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/splax/chatgate/internal/apperr"
	"github.com/splax/chatgate/pkg/session"
)

const testOrigin = "https://chat.example.com"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, registrar Registrar, opts ...Option) *Router {
	t.Helper()
	codec := session.NewCodec("primary", "secondary", false)
	return NewRouter(testLogger(), codec, testOrigin, registrar, opts...)
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	reader := res.Body
	if res.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(res.Body)
		if err != nil {
			t.Fatalf("gzip reader: %v", err)
		}
		reader = gz
	}
	var body map[string]any
	if err := json.NewDecoder(reader).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestStageOrderIsFixed(t *testing.T) {
	r := newTestRouter(t, nil)
	want := []string{"session", "hpp", "secureheaders", "cors", "compress", "bodylimit"}
	stages := r.stages()
	if len(stages) != len(want) {
		t.Fatalf("expected %d stages, got %d", len(want), len(stages))
	}
	for i, s := range stages {
		if s.name != want[i] {
			t.Fatalf("stage %d: expected %s, got %s", i, want[i], s.name)
		}
	}
}

func TestUnmatchedRouteReturnsNotFoundBody(t *testing.T) {
	r := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	res := rec.Result()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
	body := decodeBody(t, res)
	if body["message"] != "/nope not found" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestStructuredErrorSerializedVerbatim(t *testing.T) {
	r := newTestRouter(t, func(r *Router) {
		r.Handle("GET /fail", func(w http.ResponseWriter, req *http.Request) error {
			return apperr.Forbidden("no access").WithField("resource", "room-7")
		})
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fail", nil))

	res := rec.Result()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected declared 403, got %d", res.StatusCode)
	}
	body := decodeBody(t, res)
	if body["message"] != "no access" || body["resource"] != "room-7" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestUnclassifiedErrorGetsGenericResponse(t *testing.T) {
	r := newTestRouter(t, func(r *Router) {
		r.Handle("GET /boom", func(w http.ResponseWriter, req *http.Request) error {
			return errors.New("pq: connection refused on 10.0.0.5")
		})
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	res := rec.Result()
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.StatusCode)
	}
	body := decodeBody(t, res)
	if body["message"] != "internal server error" {
		t.Fatalf("internal detail leaked: %v", body)
	}
}

func TestPanicIsRecoveredAndSerialized(t *testing.T) {
	r := newTestRouter(t, func(r *Router) {
		r.Handle("GET /panic", func(w http.ResponseWriter, req *http.Request) error {
			panic("handler exploded")
		})
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if rec.Result().StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Result().StatusCode)
	}
}

func TestCORSRejectsForeignOriginBeforeRoutes(t *testing.T) {
	reached := false
	r := newTestRouter(t, func(r *Router) {
		r.Handle("GET /private", func(w http.ResponseWriter, req *http.Request) error {
			reached = true
			return nil
		})
	})
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Result().StatusCode)
	}
	if reached {
		t.Fatal("foreign-origin request reached route logic")
	}
}

func TestCORSAllowsConfiguredOriginWithCredentials(t *testing.T) {
	r := newTestRouter(t, func(r *Router) {
		r.Handle("GET /open", func(w http.ResponseWriter, req *http.Request) error {
			w.WriteHeader(http.StatusOK)
			return nil
		})
	})
	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	req.Header.Set("Origin", testOrigin)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if res.Header.Get("Access-Control-Allow-Origin") != testOrigin {
		t.Fatalf("missing allow-origin header")
	}
	if res.Header.Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("credentialed requests not allowed")
	}
}

func TestCORSPreflightAnswered(t *testing.T) {
	r := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/anything", nil)
	req.Header.Set("Origin", testOrigin)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 preflight, got %d", res.StatusCode)
	}
	methods := res.Header.Get("Access-Control-Allow-Methods")
	for _, m := range []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"} {
		if !strings.Contains(methods, m) {
			t.Fatalf("method %s missing from %q", m, methods)
		}
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	r := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	h := rec.Result().Header
	expected := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	}
	for key, want := range expected {
		if got := h.Get(key); got != want {
			t.Fatalf("header %s: expected %q, got %q", key, want, got)
		}
	}
	if h.Get("Strict-Transport-Security") == "" {
		t.Fatal("HSTS header missing")
	}
}

func TestDuplicateQueryParametersNormalized(t *testing.T) {
	var observed []string
	r := newTestRouter(t, func(r *Router) {
		r.Handle("GET /echo", func(w http.ResponseWriter, req *http.Request) error {
			observed = req.URL.Query()["room"]
			w.WriteHeader(http.StatusOK)
			return nil
		})
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/echo?room=first&room=second", nil))

	if len(observed) != 1 || observed[0] != "second" {
		t.Fatalf("polluted parameters reached handler: %v", observed)
	}
}

func TestResponseCompression(t *testing.T) {
	r := newTestRouter(t, func(r *Router) {
		r.Handle("GET /data", func(w http.ResponseWriter, req *http.Request) error {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, err := w.Write([]byte(`{"payload":"` + strings.Repeat("x", 2048) + `"}`))
			return err
		})
	})
	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	res := rec.Result()
	if res.Header.Get("Content-Encoding") != "gzip" {
		t.Fatal("response not compressed")
	}
	body := decodeBody(t, res)
	if len(body["payload"].(string)) != 2048 {
		t.Fatal("decompressed payload mismatch")
	}
}

func TestOversizedDeclaredBodyRejectedBeforeRoutes(t *testing.T) {
	reached := false
	r := newTestRouter(t, func(r *Router) {
		r.Handle("POST /upload", func(w http.ResponseWriter, req *http.Request) error {
			reached = true
			return nil
		})
	})
	// 60 MB declared length; no body bytes need to exist for the check.
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(""))
	req.ContentLength = 60 << 20
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Result().StatusCode)
	}
	if reached {
		t.Fatal("oversized request reached route logic")
	}
}

func TestUndeclaredOversizedBodyTrippedDuringDecode(t *testing.T) {
	r := newTestRouter(t, func(r *Router) {
		r.Handle("POST /upload", func(w http.ResponseWriter, req *http.Request) error {
			var payload map[string]any
			if err := DecodeJSON(req, &payload); err != nil {
				return err
			}
			w.WriteHeader(http.StatusOK)
			return nil
		})
	}, WithMaxBodyBytes(256))

	big := `{"data":"` + strings.Repeat("y", 1024) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(big))
	req.ContentLength = -1 // chunked
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Result().StatusCode)
	}
}

func TestMalformedJSONBodyRejected(t *testing.T) {
	r := newTestRouter(t, func(r *Router) {
		r.Handle("POST /upload", func(w http.ResponseWriter, req *http.Request) error {
			var payload map[string]any
			if err := DecodeJSON(req, &payload); err != nil {
				return err
			}
			w.WriteHeader(http.StatusOK)
			return nil
		})
	})
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Result().StatusCode)
	}
}

func TestSessionClaimsReachHandlers(t *testing.T) {
	codec := session.NewCodec("primary", "secondary", false)
	issueRec := httptest.NewRecorder()
	if err := codec.Issue(issueRec, &session.Claims{Subject: "user-9"}); err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	var subject string
	r := NewRouter(testLogger(), codec, testOrigin, func(r *Router) {
		r.Handle("GET /me", func(w http.ResponseWriter, req *http.Request) error {
			if claims, ok := SessionFromContext(req.Context()); ok {
				subject = claims.Subject
			}
			w.WriteHeader(http.StatusOK)
			return nil
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(issueRec.Result().Cookies()[0])
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if subject != "user-9" {
		t.Fatalf("session claims not decoded, got subject %q", subject)
	}
}

func TestInvalidSessionCookieClearedAndRequestContinues(t *testing.T) {
	reached := false
	r := newTestRouter(t, func(r *Router) {
		r.Handle("GET /me", func(w http.ResponseWriter, req *http.Request) error {
			if _, ok := SessionFromContext(req.Context()); ok {
				t.Error("forged session decoded")
			}
			reached = true
			w.WriteHeader(http.StatusOK)
			return nil
		})
	})
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "forged.token.value"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if !reached {
		t.Fatal("request with invalid session did not continue anonymous")
	}
	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("invalid cookie not cleared")
	}
}

func TestHealthzReportsDegradedComponents(t *testing.T) {
	dbErr := errors.New("database connecting")
	r := newTestRouter(t, nil, WithHealthChecks(
		func(ctx context.Context) error { return dbErr },
		func(ctx context.Context) error { return nil },
	))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	res := rec.Result()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.StatusCode)
	}
	body := decodeBody(t, res)
	components := body["components"].(map[string]any)
	db := components["database"].(map[string]any)
	if db["status"] != "down" {
		t.Fatalf("database component not reported down: %v", db)
	}
	broker := components["broker"].(map[string]any)
	if broker["status"] != "up" {
		t.Fatalf("broker component not reported up: %v", broker)
	}
}
