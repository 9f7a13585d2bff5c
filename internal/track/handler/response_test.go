package handler

import (
	"errors"
	"net/http"
	"testing"

	"github.com/bitfantasy/nimo-track/internal/track/service"
	"github.com/bitfantasy/nimo-track/internal/track/testutil"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func TestErrorResponses(t *testing.T) {
	r := testutil.SetupRouter()
	r.GET("/boom", func(c *gin.Context) {
		RespondError(c, zap.NewNop(), errors.New("connection reset by peer"))
	})
	r.NoRoute(func(c *gin.Context) {
		NotFound(c, "Not found")
	})

	w := testutil.DoRequest(r, "GET", "/boom", nil, "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", w.Code)
	}
	resp := testutil.ParseResponse(w)
	if resp["code"] != float64(50000) || resp["error"] != service.CodeInternal {
		t.Errorf("Unexpected body %v", resp)
	}
	if resp["message"] != "internal server error" {
		t.Errorf("Upstream error leaked: %v", resp["message"])
	}

	w = testutil.DoRequest(r, "GET", "/nowhere", nil, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}
	if resp = testutil.ParseResponse(w); resp["code"] != float64(40400) {
		t.Errorf("Expected code 40400, got %v", resp["code"])
	}
}
