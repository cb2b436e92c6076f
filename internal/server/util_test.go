package server

import (
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestIsSafeAbsPath(t *testing.T) {
	if !isSafeAbsPath("") {
		t.Fatalf("empty should be allowed")
	}
	abs, err := filepath.Abs(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if !isSafeAbsPath(abs) {
		t.Fatalf("abs clean path should be allowed: %s", abs)
	}
	if isSafeAbsPath("tmp/x") {
		t.Fatalf("relative path should be rejected")
	}
	sep := string(filepath.Separator)
	bad := abs + sep + ".." + sep + "etc"
	if isSafeAbsPath(bad) {
		t.Fatalf("path with traversal should be rejected: %s", bad)
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, 201, map[string]any{"a": 1}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != 201 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type: %s", ct)
	}
}

func FuzzSanitizeBase(f *testing.F) {
	for _, s := range []string{"", "/", "/api", "/api/", "api", "  /api/v1/  ", "//multiple//slashes//"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, basePath string) {
		result := sanitizeBase(basePath)
		if result != "" {
			if !strings.HasPrefix(result, "/") {
				t.Errorf("sanitized base should start with /: %q -> %q", basePath, result)
			}
			if strings.HasSuffix(result, "/") {
				t.Errorf("sanitized base should not end with /: %q -> %q", basePath, result)
			}
		}
		if trimmed := strings.TrimSpace(basePath); trimmed == "" || trimmed == "/" {
			if result != "" {
				t.Errorf("empty or root base should result in empty: %q -> %q", basePath, result)
			}
		}
	})
}
