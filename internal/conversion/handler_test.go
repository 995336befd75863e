package conversion

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/sales"
)

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func call(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	return rr.Code, env
}

func (f *fixture) router() http.Handler {
	conv := NewHandler(nil, f.conversion)
	r := chi.NewRouter()
	r.Route("/api/sales", sales.NewHandler(nil, f.sales).Extend(conv.MountSaleRoutes).MountRoutes)
	r.Route("/api/conversions", conv.MountRoutes)
	return r
}

func TestHandlerConvertAndReverse(t *testing.T) {
	f := newFixture(t)
	sale, _ := f.confirmedSale(t, 4, money.FromUnits(25))
	r := f.router()

	path := fmt.Sprintf("/api/sales/%d/store-credit", sale.ID)
	headers := map[string]string{"Idempotency-Key": "conv-http-1"}
	code, env := call(t, r, http.MethodPost, path, `{"amount":"100.00","restore_inventory":true}`, headers)
	require.Equal(t, http.StatusCreated, code, env.Error)
	var res struct {
		Saga domain.SagaRecord `json:"saga"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.Equal(t, domain.SagaCompleted, res.Saga.Status)

	code, _ = call(t, r, http.MethodPost, path, `{"amount":"100.00","restore_inventory":true}`, headers)
	require.Equal(t, http.StatusOK, code)

	code, env = call(t, r, http.MethodGet, "/api/conversions/"+res.Saga.ID.String(), ``, nil)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(env.Data), `"conversion_amount":"100.00"`)

	code, env = call(t, r, http.MethodPost, "/api/conversions/"+res.Saga.ID.String()+"/reverse", ``, nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	require.Contains(t, string(env.Data), `"status":"reversed"`)
}

func TestHandlerConversionErrors(t *testing.T) {
	f := newFixture(t)
	sale, _ := f.confirmedSale(t, 1, money.FromUnits(10))
	r := f.router()

	code, _ := call(t, r, http.MethodPost, fmt.Sprintf("/api/sales/%d/store-credit", sale.ID), `{"amount":"11.00"}`, nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, r, http.MethodGet, "/api/conversions/not-a-uuid", ``, nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, r, http.MethodGet, "/api/conversions/6f1c1c9e-5d7b-4f5e-9a51-3c3f0b1c2d4e", ``, nil)
	require.Equal(t, http.StatusNotFound, code)
}
