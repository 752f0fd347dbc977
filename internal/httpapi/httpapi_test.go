package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"voltchain/internal/devices"
	"voltchain/internal/errs"
	"voltchain/internal/ingest"
	"voltchain/internal/reconcile"
	"voltchain/internal/settlement"
	"voltchain/internal/storage"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeIngest struct {
	got    ingest.Request
	manual []byte
	err    error
}

func (f *fakeIngest) Ingest(_ context.Context, req ingest.Request) (ingest.Result, error) {
	f.got = req
	if f.err != nil {
		return ingest.Result{}, f.err
	}
	return ingest.Result{Stored: true, ReadingID: "r-1", Status: storage.StatusPending}, nil
}

func (f *fakeIngest) RecordManual(_ context.Context, body []byte) (ingest.Result, error) {
	f.manual = body
	if f.err != nil {
		return ingest.Result{}, f.err
	}
	return ingest.Result{Stored: true, ReadingID: "r-2", Status: storage.StatusSent}, nil
}

type fakeFlush struct {
	calls int
}

func (f *fakeFlush) Flush(context.Context) (reconcile.Report, error) {
	f.calls++
	return reconcile.Report{Message: "ledger flush completed", Processed: 2, Total: 2, LedgerEnabled: true}, nil
}

type fakeDevices struct {
	limit int
}

func (f *fakeDevices) Create(_ context.Context, req devices.CreateRequest) (devices.Provisioned, error) {
	if req.Name == "" {
		return devices.Provisioned{}, errs.New(errs.BadRequest, "device name is required")
	}
	return devices.Provisioned{DeviceID: "d-1", Secret: "s3cret", Name: req.Name}, nil
}

func (f *fakeDevices) List(context.Context) ([]devices.Summary, error) {
	return []devices.Summary{{ID: "d-1", Name: "panel", Active: true}}, nil
}

func (f *fakeDevices) Readings(_ context.Context, ref string, limit int) ([]devices.ReadingView, error) {
	f.limit = limit
	if limit > 1000 {
		return nil, errs.New(errs.BadRequest, "limit cannot exceed 1000")
	}
	if ref == "missing" {
		return nil, errs.New(errs.NotFound, "device not found")
	}
	return []devices.ReadingView{{ID: "r-1", EnergyKWh: "1.5"}}, nil
}

type fakeSales struct{}

func (fakeSales) RecordSale(_ context.Context, kwh decimal.Decimal, revenue int64, bps int) (storage.Sale, error) {
	return storage.Sale{ID: 7, KWhSold: kwh, RevenueMinor: revenue, FeeBps: bps}, nil
}

func (fakeSales) FinalizeSale(_ context.Context, id int64) (storage.Sale, error) {
	if id == 9 {
		return storage.Sale{}, errs.Wrap(errs.Conflict, "sale already finalized", errors.New("dup"))
	}
	return storage.Sale{ID: id, Finalized: true}, nil
}

func (fakeSales) Burn(_ context.Context, user string, id int64, burned decimal.Decimal) (storage.UserClaim, error) {
	return storage.UserClaim{UserID: user, SaleID: id, BurnedKWh: burned}, nil
}

func (fakeSales) Settle(_ context.Context, id int64) (settlement.Report, error) {
	sale := storage.Sale{ID: id, KWhSold: decimal.NewFromInt(1500), RevenueMinor: 50000, FeeBps: 1500, Finalized: true}
	claims := []storage.UserClaim{
		{UserID: "alice", SaleID: id, BurnedKWh: decimal.NewFromInt(500)},
		{UserID: "bob", SaleID: id, BurnedKWh: decimal.NewFromInt(1000)},
	}
	return settlement.Calculate(sale, claims, settlement.AllocationFloor)
}

func (fakeSales) MarkClaimed(context.Context, string, int64) error { return nil }

type fakeBacklog map[storage.LedgerStatus]int64

func (f fakeBacklog) CountReadingsByStatus(context.Context) (map[storage.LedgerStatus]int64, error) {
	return f, nil
}

func newTestRouter(auth *Authenticator) (*gin.Engine, *fakeIngest, *fakeFlush, *fakeDevices) {
	in := &fakeIngest{}
	fl := &fakeFlush{}
	dv := &fakeDevices{}
	r := NewRouter(Deps{
		Ingest:   in,
		Flush:    fl,
		Devices:  dv,
		Sales:    fakeSales{},
		Backlog:  fakeBacklog{storage.StatusPending: 3},
		Auth:     auth,
		Settings: Settings{MaxBodyBytes: 256},
	}, zerolog.Nop())
	return r, in, fl, dv
}

func do(r http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealthEndpoints(t *testing.T) {
	r, _, _, _ := newTestRouter(nil)
	for _, path := range []string{"/health", "/healthz"} {
		rec := do(r, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}
	body := decodeBody(t, do(r, http.MethodGet, "/health", "", nil))
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestIngestForwardsHeadersAndBody(t *testing.T) {
	r, in, _, _ := newTestRouter(nil)
	payload := `{"ts_device":"2024-01-01T00:00:00Z","energy_generated_kwh":1.5}`
	rec := do(r, http.MethodPost, "/v1/ingest", payload, map[string]string{
		"X-Device-Id":  "dev",
		"X-Timestamp":  "1700000000000",
		"X-Signature":  "sig",
		"Content-Type": "application/json",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if in.got.DeviceID != "dev" || in.got.Timestamp != "1700000000000" || in.got.Signature != "sig" {
		t.Fatalf("headers not forwarded: %+v", in.got)
	}
	if string(in.got.Body) != payload {
		t.Fatalf("body must be forwarded verbatim, got %q", in.got.Body)
	}
	body := decodeBody(t, rec)
	if body["stored"] != true || body["ledger_status"] != "pending" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestIngestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
		msg  string
	}{
		{errs.New(errs.Unauthorized, "invalid signature"), http.StatusUnauthorized, "invalid signature"},
		{errs.New(errs.NotFound, "device not found or inactive"), http.StatusNotFound, "device not found or inactive"},
		{errs.New(errs.Conflict, "reading already exists for this timestamp"), http.StatusConflict, "reading already exists for this timestamp"},
		{errs.Wrap(errs.Internal, "failed to store reading", errors.New("pq: boom")), http.StatusInternalServerError, "failed to store reading"},
		{errors.New("unclassified"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tc := range cases {
		r, in, _, _ := newTestRouter(nil)
		in.err = tc.err
		rec := do(r, http.MethodPost, "/v1/ingest", "{}", nil)
		if rec.Code != tc.code {
			t.Fatalf("%v: status = %d, want %d", tc.err, rec.Code, tc.code)
		}
		if got := decodeBody(t, rec)["error"]; got != tc.msg {
			t.Fatalf("%v: error = %v, want %q", tc.err, got, tc.msg)
		}
	}
}

func TestIngestBodyTooLarge(t *testing.T) {
	r, _, _, _ := newTestRouter(nil)
	rec := do(r, http.MethodPost, "/v1/ingest", strings.Repeat("x", 1024), nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestFlushRequiresConfiguredCredentials(t *testing.T) {
	r, _, fl, _ := newTestRouter(NewAuthenticator("", ""))
	rec := do(r, http.MethodPost, "/v1/onchain/flush", "", bearer("anything"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "admin credentials not configured" {
		t.Fatalf("error = %v", got)
	}
	if fl.calls != 0 {
		t.Fatal("flush must not run")
	}
}

func TestFlushStaticToken(t *testing.T) {
	r, _, fl, _ := newTestRouter(NewAuthenticator("op-token", ""))

	for _, h := range []map[string]string{nil, bearer("wrong"), {"Authorization": "op-token"}} {
		if rec := do(r, http.MethodPost, "/v1/onchain/flush", "", h); rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %v: status = %d", h, rec.Code)
		}
	}

	rec := do(r, http.MethodPost, "/v1/onchain/flush", "", bearer("op-token"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["processed"] != float64(2) || body["ledger_enabled"] != true {
		t.Fatalf("unexpected report %v", body)
	}
	if fl.calls != 1 {
		t.Fatalf("flush calls = %d", fl.calls)
	}
}

func TestFlushJWT(t *testing.T) {
	auth := NewAuthenticator("", "jwt-secret")
	r, _, _, _ := newTestRouter(auth)

	token, err := auth.IssueToken("ops", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if rec := do(r, http.MethodPost, "/v1/onchain/flush", "", bearer(token)); rec.Code != http.StatusOK {
		t.Fatalf("valid admin jwt: status = %d", rec.Code)
	}

	userToken, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{Role: "user"}).SignedString([]byte("jwt-secret"))
	if rec := do(r, http.MethodPost, "/v1/onchain/flush", "", bearer(userToken)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("non-admin role: status = %d", rec.Code)
	}

	forged, _ := NewAuthenticator("", "other-secret").IssueToken("ops", time.Minute)
	if rec := do(r, http.MethodPost, "/v1/onchain/flush", "", bearer(forged)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status = %d", rec.Code)
	}

	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		Role:             RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
	}).SignedString([]byte("jwt-secret"))
	if rec := do(r, http.MethodPost, "/v1/onchain/flush", "", bearer(expired)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired: status = %d", rec.Code)
	}
}

func TestDeviceRoutesOpenWithoutCredentials(t *testing.T) {
	r, _, _, _ := newTestRouter(nil)
	rec := do(r, http.MethodGet, "/v1/devices", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = do(r, http.MethodPost, "/v1/devices", `{"name":"panel"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	if decodeBody(t, rec)["device_secret"] != "s3cret" {
		t.Fatal("secret must be returned on creation")
	}

	rec = do(r, http.MethodPost, "/v1/devices", `{"name":""}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing name status = %d", rec.Code)
	}
	rec = do(r, http.MethodPost, "/v1/devices", `not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", rec.Code)
	}
}

func TestDeviceRoutesGuardedWithCredentials(t *testing.T) {
	r, _, _, _ := newTestRouter(NewAuthenticator("op-token", ""))
	if rec := do(r, http.MethodGet, "/v1/devices", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := do(r, http.MethodGet, "/v1/devices", "", bearer("op-token")); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := do(r, http.MethodPost, "/v1/readings", "{}", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("manual reading status = %d", rec.Code)
	}
}

func TestDeviceReadingsLimit(t *testing.T) {
	r, _, _, dv := newTestRouter(nil)

	rec := do(r, http.MethodGet, "/v1/devices/abc/readings", "", nil)
	if rec.Code != http.StatusOK || dv.limit != 0 {
		t.Fatalf("status = %d limit = %d", rec.Code, dv.limit)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(1) || body["device_id"] != "abc" {
		t.Fatalf("unexpected body %v", body)
	}

	if rec := do(r, http.MethodGet, "/v1/devices/abc/readings?limit=1001", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("over max: status = %d", rec.Code)
	}
	if rec := do(r, http.MethodGet, "/v1/devices/abc/readings?limit=ten", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("non-numeric: status = %d", rec.Code)
	}
	if rec := do(r, http.MethodGet, "/v1/devices/missing/readings?limit=5", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown device: status = %d", rec.Code)
	}
}

func TestManualReading(t *testing.T) {
	r, in, _, _ := newTestRouter(nil)
	rec := do(r, http.MethodPost, "/v1/readings", `{"device_id":"d"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if string(in.manual) != `{"device_id":"d"}` {
		t.Fatalf("body = %q", in.manual)
	}
}

func TestSalesRoutes(t *testing.T) {
	r, _, _, _ := newTestRouter(NewAuthenticator("op-token", ""))
	auth := bearer("op-token")

	if rec := do(r, http.MethodGet, "/v1/sales/1/settlement", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated settlement: status = %d", rec.Code)
	}

	rec := do(r, http.MethodPost, "/v1/sales", `{"kwh_sold":"1500","revenue_minor":50000,"fee_bps":1500}`, auth)
	if rec.Code != http.StatusCreated {
		t.Fatalf("record: status = %d body=%s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["id"] != float64(7) || body["kwh_sold"] != "1500" {
		t.Fatalf("unexpected sale %v", body)
	}

	if rec := do(r, http.MethodPost, "/v1/sales/9/finalize", "", auth); rec.Code != http.StatusConflict {
		t.Fatalf("finalize twice: status = %d", rec.Code)
	}
	if rec := do(r, http.MethodPost, "/v1/sales/x/finalize", "", auth); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status = %d", rec.Code)
	}
	if rec := do(r, http.MethodPost, "/v1/sales/1/burns", `{"user_id":"alice","burned_kwh":"12.5"}`, auth); rec.Code != http.StatusCreated {
		t.Fatalf("burn: status = %d", rec.Code)
	}
	if rec := do(r, http.MethodPost, "/v1/sales/1/claims/alice/claimed", "", auth); rec.Code != http.StatusOK {
		t.Fatalf("mark claimed: status = %d", rec.Code)
	}

	rec = do(r, http.MethodGet, "/v1/sales/1/settlement", "", auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("settlement: status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["net_minor"] != float64(42500) || body["dust_minor"] != float64(1) {
		t.Fatalf("unexpected settlement %v", body)
	}

	rec = do(r, http.MethodGet, "/v1/sales/1/settlement?format=csv", "", auth)
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/csv") {
		t.Fatalf("csv: status = %d type=%q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "1,alice,500,33.33,14166,141.66") {
		t.Fatalf("csv body = %q", rec.Body.String())
	}
}

func TestBacklog(t *testing.T) {
	r, _, _, _ := newTestRouter(NewAuthenticator("op-token", ""))
	rec := do(r, http.MethodGet, "/v1/onchain/status", "", bearer("op-token"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["pending"] != float64(3) || body["failed"] != float64(0) {
		t.Fatalf("unexpected backlog %v", body)
	}
}

func TestUnknownRoute(t *testing.T) {
	r, _, _, _ := newTestRouter(nil)
	if rec := do(r, http.MethodGet, "/v2/nothing", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
