package order

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"paygate/payment/db"
	"paygate/web/middleware"
)

const adminSecret = "admin-secret"

func newTestRouter(t *testing.T, f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterHandlers(r, f.service, f.engine, f.collector, zaptest.NewLogger(t), middleware.AdminAuth(adminSecret))
	return r
}

func serve(r http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHTTP_CreateAndQuery(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	r := newTestRouter(t, f)

	rec := serve(r, http.MethodPost, "/api/payment/order/create", map[string]any{"amount": "10.00"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "private_key")
	assert.NotContains(t, rec.Body.String(), "enc:v1:")

	var created struct {
		OrderNo    string `json:"order_no"`
		Address    string `json:"address"`
		Status     string `json:"status"`
		PaymentURI string `json:"payment_uri"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "unpaid", created.Status)
	assert.NotEmpty(t, created.PaymentURI)

	rec = serve(r, http.MethodGet, "/api/payment/order/"+created.OrderNo, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.Address)

	rec = serve(r, http.MethodGet, "/api/payment/order/"+created.OrderNo+"/check", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"unpaid","paid":false,"expired":false}`, rec.Body.String())
}

func TestHTTP_CreateValidation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	r := newTestRouter(t, f)

	rec := serve(r, http.MethodPost, "/api/payment/order/create", map[string]any{"amount": "-1"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation")

	rec = serve(r, http.MethodPost, "/api/payment/order/create", "not an object", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_UnknownOrder(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	r := newTestRouter(t, f)

	rec := serve(r, http.MethodGet, "/api/payment/order/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTP_CheckReportsExpiry(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	r := newTestRouter(t, f)
	order := f.createOrder(t, "1")
	f.clock.Advance(3 * time.Hour)

	rec := serve(r, http.MethodGet, "/api/payment/order/"+order.OrderNo+"/check", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"expired","paid":false,"expired":true}`, rec.Body.String())
}

func TestHTTP_AdminEndpoints(t *testing.T) {
	f := newFixture(t, fixtureOptions{collect: true})
	r := newTestRouter(t, f)
	token, err := middleware.IssueAdminToken(adminSecret, time.Hour)
	require.NoError(t, err)

	order := f.createOrder(t, "3")
	f.deposit(order, "3")

	rec := serve(r, http.MethodPost, "/api/payment/admin/reconcile", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// collect before payment is detected is refused
	rec = serve(r, http.MethodPost, "/api/payment/order/"+order.OrderNo+"/collect", nil, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)

	// disable auto collection for this pass so the manual path does the sweep
	f.engine.collector = nil
	rec = serve(r, http.MethodPost, "/api/payment/admin/reconcile", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Paid)

	rec = serve(r, http.MethodPost, "/api/payment/order/"+order.OrderNo+"/collect", nil, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result CollectResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, result.TxHash, f.reload(t, order).CollectTxHash)

	got, err := f.store.Get(context.Background(), order.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPaid, got.Status)
}
