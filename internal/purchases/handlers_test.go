package purchases

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	NewHandler(newTestService()).RegisterRoutes(r.Group("/v1"))
	return r
}

func postPurchase(router *gin.Engine, req RecordRequest) *httptest.ResponseRecorder {
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest(http.MethodPost, "/v1/purchases", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)
	return w
}

func TestHandler_RecordAndGetPurchase(t *testing.T) {
	router := setupTestRouter()

	w := postPurchase(router, validRequest(1))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created struct {
		Purchase Purchase `json:"purchase"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Purchase.ListingID != "listing-1" {
		t.Errorf("Expected listing-1, got %s", created.Purchase.ListingID)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/purchases/"+created.Purchase.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/purchases/pur_missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandler_RecordPurchaseErrors(t *testing.T) {
	router := setupTestRouter()

	bad := validRequest(1)
	bad.SellerAddress = "nope"
	if w := postPurchase(router, bad); w.Code != http.StatusBadRequest {
		t.Errorf("invalid seller: expected 400, got %d", w.Code)
	}

	if w := postPurchase(router, validRequest(2)); w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}
	if w := postPurchase(router, validRequest(2)); w.Code != http.StatusConflict {
		t.Errorf("duplicate: expected 409, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/purchases", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", w.Code)
	}
}

func TestHandler_ListPurchases(t *testing.T) {
	router := setupTestRouter()
	for i := 1; i <= 3; i++ {
		if w := postPurchase(router, validRequest(i)); w.Code != http.StatusCreated {
			t.Fatalf("Expected 201, got %d", w.Code)
		}
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/buyers/"+buyer+"/purchases?limit=2", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp Page
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 2 || resp.Purchases[0].ListingID != "listing-3" || !resp.HasMore {
		t.Fatalf("unexpected list: %+v", resp)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/v1/buyers/"+buyer+"/purchases?limit=2&cursor="+resp.NextCursor, nil))
	var next Page
	_ = json.Unmarshal(w.Body.Bytes(), &next)
	if next.Count != 1 || next.Purchases[0].ListingID != "listing-1" || next.HasMore {
		t.Errorf("unexpected second page: %+v", next)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/buyers/"+buyer+"/purchases?cursor=@@", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad cursor: expected 400, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/buyers/0x1234567890123456789012345678901234567890/purchases", nil))
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"purchases":[]`)) {
		t.Errorf("empty buyer: got %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/buyers/bogus/purchases", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad address: expected 400, got %d", w.Code)
	}
}
