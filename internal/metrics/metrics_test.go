package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(taskOutcomes.WithLabelValues("expired"))
	RecordTaskOutcome("expired")
	if got := testutil.ToFloat64(taskOutcomes.WithLabelValues("expired")); got != before+1 {
		t.Fatalf("expected counter to increase by one, got %v -> %v", before, got)
	}

	// Should not panic
	RecordSync("full", "ok", 20*time.Millisecond)
	RecordPollAttempt("transport_error")
	RecordStorageError("init")
	RecordQuotaRefresh("ok")
	RecordGenerationAccepted(true)
	RecordGenerationSettled("completed", time.Second)
	RecordFavoriteConflict()
}

func TestGinMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(GinMiddleware())
	router.GET("/api/items/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.GET("/metrics", gin.WrapH(Handler()))

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/items/7", nil))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `route="/api/items/:id"`) {
		t.Fatal("expected request metric labelled with the matched route")
	}
}
