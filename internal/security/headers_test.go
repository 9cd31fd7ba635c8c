package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/v1/wallet", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return router
}

func TestHeadersMiddleware(t *testing.T) {
	router := newRouter(HeadersMiddleware(false))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/wallet", nil))

	headers := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": apiCSP,
	}
	for header, expected := range headers {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s = %q, want %q", header, got, expected)
		}
	}
	if got := w.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS should be off, got %q", got)
	}
}

func TestHeadersMiddlewareHSTS(t *testing.T) {
	router := newRouter(HeadersMiddleware(true))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/wallet", nil))

	if got := w.Header().Get("Strict-Transport-Security"); got == "" {
		t.Error("Strict-Transport-Security not set")
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins []string
		requestOrigin  string
		expectOrigin   bool
		expectCreds    bool
	}{
		{"allowed origin", []string{"https://shop.example"}, "https://shop.example", true, true},
		{"trailing slash in config", []string{"https://shop.example/"}, "https://shop.example", true, true},
		{"wildcard allows all", []string{"*"}, "https://anything.example", true, false},
		{"disallowed origin", []string{"https://shop.example"}, "https://evil.example", false, false},
		{"no origin header", []string{"*"}, "", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := newRouter(CORSMiddleware(tc.allowedOrigins))

			req := httptest.NewRequest(http.MethodGet, "/v1/wallet", nil)
			if tc.requestOrigin != "" {
				req.Header.Set("Origin", tc.requestOrigin)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin") != ""; got != tc.expectOrigin {
				t.Errorf("Allow-Origin present = %v, want %v", got, tc.expectOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tc.expectCreds {
				t.Errorf("Allow-Credentials = %v, want %v", got, tc.expectCreds)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	router := newRouter(CORSMiddleware([]string{"https://shop.example"}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/wallet", nil)
	req.Header.Set("Origin", "https://shop.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if methods := w.Header().Get("Access-Control-Allow-Methods"); methods != "GET, POST, OPTIONS" {
		t.Errorf("Access-Control-Allow-Methods = %q", methods)
	}

	req = httptest.NewRequest(http.MethodOptions, "/v1/wallet", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("foreign preflight status = %d, want %d", w.Code, http.StatusForbidden)
	}
}
