package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.GET("/counted", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(httpReqs.WithLabelValues(http.MethodGet, "/counted", "200"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/counted", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}

	after := testutil.ToFloat64(httpReqs.WithLabelValues(http.MethodGet, "/counted", "200"))
	if after != before+1 {
		t.Fatalf("counter moved %v → %v, want +1", before, after)
	}

	// In-flight gauge returns to zero after the request completes.
	if got := testutil.ToFloat64(httpInflight); got != 0 {
		t.Fatalf("inflight = %v", got)
	}
}

func TestMetrics_UnmatchedRouteUsesRawPath(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())

	before := testutil.ToFloat64(httpReqs.WithLabelValues(http.MethodGet, "/no-such-route", "404"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/no-such-route", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("code = %d", w.Code)
	}

	after := testutil.ToFloat64(httpReqs.WithLabelValues(http.MethodGet, "/no-such-route", "404"))
	if after != before+1 {
		t.Fatalf("counter moved %v → %v, want +1", before, after)
	}
}
