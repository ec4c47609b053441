package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"oraculo/internal/auth"
	"oraculo/internal/gateway"
	"oraculo/internal/httpapi"
	"oraculo/internal/interpret"
	"oraculo/internal/metrics"
	"oraculo/internal/notify"
	"oraculo/internal/order"
	"oraculo/internal/payment"
	"oraculo/internal/pix"
	"oraculo/internal/proofs"
	"oraculo/internal/ratelimit"
	"oraculo/internal/storage/memstore"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const secret = "test-secret"

type MockCompleter struct {
	CompleteFunc func(ctx context.Context, system, user string) (string, error)
}

func (m *MockCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	return m.CompleteFunc(ctx, system, user)
}

type env struct {
	srv     *httptest.Server
	store   *memstore.Store
	product uuid.UUID
	buyer   auth.Principal
	staff   auth.Principal
}

func setup(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	product := uuid.New()
	store.AddProduct(order.Product{ID: product, Name: "Tarô do Amor", Price: decimal.RequireFromString("49.90"), Active: true})

	files, err := proofs.NewDiskStore(t.TempDir(), "http://example.test/admin/proof-files")
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	orders := order.NewService(store, files, logger)
	m := metrics.New(prometheus.NewRegistry())

	interpreter := interpret.NewService(&MockCompleter{CompleteFunc: func(context.Context, string, string) (string, error) {
		return "Um dia de boas notícias.", nil
	}}, logger)

	srv := httptest.NewServer(httpapi.NewServer(httpapi.Deps{
		Orders:      orders,
		Payments:    payment.NewAdapter(orders, gateway.NewPagarme(""), logger, m),
		Webhook:     payment.NewWebhook("whsec", orders, logger),
		Interpreter: interpreter,
		Notifier:    notify.NewDispatcher(nil, nil, nil, logger, m),
		Proofs:      files,
		Limiter:     ratelimit.New(store, logger, m),
		Verifier:    auth.NewVerifier(secret, time.Minute),
		Metrics:     m,
		Health:      func(context.Context) error { return nil },
		Pix:         httpapi.PixConfig{Key: "loja@oraculo.app", MerchantName: "Oraculo", City: "Recife"},
		PublicURL:   "http://example.test",
		Logger:      logger,
	}))
	t.Cleanup(srv.Close)

	return &env{
		srv:     srv,
		store:   store,
		product: product,
		buyer:   auth.Principal{UserID: uuid.New(), Email: "ana@example.com"},
		staff:   auth.Principal{UserID: uuid.New(), Email: "staff@oraculo.app", Role: "admin"},
	}
}

func (e *env) token(t *testing.T, p auth.Principal) string {
	t.Helper()
	tok, err := auth.Issue(secret, p, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (e *env) do(t *testing.T, method, path string, p *auth.Principal, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, rd)
	if p != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(t, *p))
	}
	return send(t, req)
}

func send(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

type errorBody struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

func decodeError(t *testing.T, raw []byte) errorBody {
	t.Helper()
	var e errorBody
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return e
}

func (e *env) createOrder(t *testing.T) order.Order {
	t.Helper()
	resp, raw := e.do(t, http.MethodPost, "/orders", &e.buyer, order.CreateInput{
		Items:    []order.CreateItem{{ProductID: e.product, Quantity: 1}},
		Customer: order.Customer{Name: "Ana Souza", Email: "ana@example.com"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create order: %d %s", resp.StatusCode, raw)
	}
	var o order.Order
	_ = json.Unmarshal(raw, &o)
	return o
}

func TestRequiresAuthentication(t *testing.T) {
	e := setup(t)

	resp, raw := e.do(t, http.MethodGet, "/orders", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decodeError(t, raw); body.Error != "UNAUTHORIZED" || body.Success != nil {
		t.Fatalf("body = %s", raw)
	}

	resp, raw = e.do(t, http.MethodPost, "/functions/create-payment", nil, payment.Request{OrderID: uuid.NewString(), Method: "pix"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decodeError(t, raw); body.Error != "UNAUTHORIZED" || body.Success == nil || *body.Success {
		t.Fatalf("body = %s", raw)
	}

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/orders", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	if resp, _ := send(t, req); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", resp.StatusCode)
	}
}

func TestOrderVisibility(t *testing.T) {
	e := setup(t)
	o := e.createOrder(t)
	if o.Status != order.StatusPendingPayment || !o.Total.Equal(decimal.RequireFromString("49.90")) {
		t.Fatalf("order = %+v", o)
	}

	stranger := auth.Principal{UserID: uuid.New()}
	if resp, _ := e.do(t, http.MethodGet, "/orders/"+o.ID.String(), &stranger, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stranger status = %d", resp.StatusCode)
	}
	if resp, _ := e.do(t, http.MethodGet, "/orders/"+o.ID.String(), &e.staff, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("staff status = %d", resp.StatusCode)
	}

	resp, raw := e.do(t, http.MethodGet, "/orders", &e.buyer, nil)
	var list struct {
		Orders []order.Order `json:"orders"`
	}
	_ = json.Unmarshal(raw, &list)
	if resp.StatusCode != http.StatusOK || len(list.Orders) != 1 {
		t.Fatalf("list: %d %s", resp.StatusCode, raw)
	}

	if resp, raw := e.do(t, http.MethodPost, "/orders", &e.buyer, map[string]any{"items": []any{}}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty order: %d %s", resp.StatusCode, raw)
	}
}

func TestCreatePaymentWithoutGatewayIsRateLimited(t *testing.T) {
	e := setup(t)
	o := e.createOrder(t)
	req := payment.Request{OrderID: o.ID.String(), Method: "pix"}

	for i := range 3 {
		resp, raw := e.do(t, http.MethodPost, "/functions/create-payment", &e.buyer, req)
		body := decodeError(t, raw)
		if resp.StatusCode != http.StatusInternalServerError || body.Error != "PROVIDER_ERROR" || body.Reason != payment.ReasonNotConfigured {
			t.Fatalf("call %d: %d %s", i+1, resp.StatusCode, raw)
		}
		if body.Success == nil || *body.Success {
			t.Fatalf("call %d: missing success:false", i+1)
		}
	}

	resp, raw := e.do(t, http.MethodPost, "/functions/create-payment", &e.buyer, req)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("4th call: %d %s", resp.StatusCode, raw)
	}
	if body := decodeError(t, raw); body.Error != "RATE_LIMIT_EXCEEDED" {
		t.Fatalf("body = %s", raw)
	}
}

func TestManualPixProofReview(t *testing.T) {
	e := setup(t)
	o := e.createOrder(t)
	base := "/orders/" + o.ID.String()

	resp, raw := e.do(t, http.MethodPost, base+"/manual-pix", &e.buyer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("manual-pix: %d %s", resp.StatusCode, raw)
	}
	var ins pix.Instructions
	_ = json.Unmarshal(raw, &ins)
	if ins.Provider != "manual" || ins.Amount != "49.90" || !strings.HasPrefix(ins.PixCopyPaste, "000201") || ins.QRCodeURL != "http://example.test"+base+"/pix-qr.png" {
		t.Fatalf("instructions = %+v", ins)
	}

	resp, raw = e.do(t, http.MethodGet, base+"/pix-qr.png", &e.buyer, nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" || !bytes.HasPrefix(raw, []byte("\x89PNG")) {
		t.Fatalf("qr: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	if resp, raw := e.upload(t, base+"/proofs", []byte("just text, not an image")); resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("text upload: %d %s", resp.StatusCode, raw)
	}

	png, _ := pix.QRPNG("proof", 64)
	resp, raw = e.upload(t, base+"/proofs", png)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: %d %s", resp.StatusCode, raw)
	}
	var proof order.Proof
	_ = json.Unmarshal(raw, &proof)
	if proof.ContentType != "image/png" || proof.ReviewStatus != order.ReviewPending {
		t.Fatalf("proof = %+v", proof)
	}

	if resp, _ := e.do(t, http.MethodGet, "/admin/proofs", &e.buyer, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("buyer listing proofs: %d", resp.StatusCode)
	}
	resp, raw = e.do(t, http.MethodGet, "/admin/proofs?status=pending", &e.staff, nil)
	var list struct {
		Proofs []order.Proof `json:"proofs"`
	}
	_ = json.Unmarshal(raw, &list)
	if resp.StatusCode != http.StatusOK || len(list.Proofs) != 1 || list.Proofs[0].ID != proof.ID {
		t.Fatalf("list: %d %s", resp.StatusCode, raw)
	}

	approve := "/admin/proofs/" + proof.ID.String() + "/approve"
	resp, raw = e.do(t, http.MethodPost, approve, &e.staff, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", resp.StatusCode, raw)
	}
	got, _ := e.store.GetOrder(context.Background(), o.ID)
	if got.Status != order.StatusPaid || got.PaidAt == nil {
		t.Fatalf("order after approval = %+v", got)
	}

	resp, raw = e.do(t, http.MethodPost, approve, &e.staff, nil)
	if body := decodeError(t, raw); resp.StatusCode != http.StatusBadRequest || body.Error != "INVALID_STATUS" {
		t.Fatalf("second approval: %d %s", resp.StatusCode, raw)
	}

	txnPath := "/admin/orders/" + o.ID.String() + "/transactions"
	if resp, _ := e.do(t, http.MethodGet, txnPath, &e.buyer, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("buyer listing transactions: %d", resp.StatusCode)
	}
	resp, raw = e.do(t, http.MethodGet, txnPath, &e.staff, nil)
	var txns struct {
		Transactions []order.Transaction `json:"transactions"`
	}
	_ = json.Unmarshal(raw, &txns)
	if resp.StatusCode != http.StatusOK || len(txns.Transactions) != 1 || txns.Transactions[0].Provider != order.ProviderManual {
		t.Fatalf("transactions: %d %s", resp.StatusCode, raw)
	}
	if resp, _ := e.do(t, http.MethodGet, "/admin/orders/"+uuid.NewString()+"/transactions", &e.staff, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("transactions of unknown order: %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/admin/proofs/"+proof.ID.String()+"/file", nil)
	req.Header.Set("Authorization", "Bearer "+e.token(t, e.staff))
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	fileResp, err := client.Do(req)
	if err != nil {
		t.Fatalf("proof file: %v", err)
	}
	fileResp.Body.Close()
	if fileResp.StatusCode != http.StatusFound || !strings.HasPrefix(fileResp.Header.Get("Location"), "http://example.test/admin/proof-files/proofs/") {
		t.Fatalf("proof file: %d %s", fileResp.StatusCode, fileResp.Header.Get("Location"))
	}
}

func (e *env) upload(t *testing.T, path string, data []byte) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "comprovante.png")
	_, _ = fw.Write(data)
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+e.token(t, e.buyer))
	return send(t, req)
}

func TestInterpret(t *testing.T) {
	e := setup(t)

	resp, raw := e.do(t, http.MethodPost, "/functions/interpret", nil, map[string]any{
		"type":  "tarot-dia",
		"cards": []map[string]any{{"name": "O Sol"}},
	})
	var out struct {
		Success        bool   `json:"success"`
		Interpretation string `json:"interpretation"`
	}
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK || !out.Success || out.Interpretation == "" {
		t.Fatalf("interpret: %d %s", resp.StatusCode, raw)
	}

	resp, raw = e.do(t, http.MethodPost, "/functions/interpret", nil, map[string]any{
		"type":  "tarot-amor",
		"cards": []map[string]any{{"name": "O Sol"}},
	})
	if body := decodeError(t, raw); resp.StatusCode != http.StatusBadRequest || body.Error != "INVALID_REQUEST" || body.Success == nil {
		t.Fatalf("invalid interpret: %d %s", resp.StatusCode, raw)
	}
}

func TestConfirmConsultationIsStaffOnly(t *testing.T) {
	e := setup(t)
	body := map[string]any{
		"customer_name": "Ana",
		"service":       "Tarô",
		"starts_at":     time.Now().Add(48 * time.Hour).Format(time.RFC3339),
	}
	if resp, _ := e.do(t, http.MethodPost, "/functions/confirm-consultation", &e.buyer, body); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("buyer status = %d", resp.StatusCode)
	}

	resp, raw := e.do(t, http.MethodPost, "/functions/confirm-consultation", &e.staff, body)
	var out struct {
		Success   bool            `json:"success"`
		Delivered bool            `json:"delivered"`
		Results   []notify.Result `json:"results"`
	}
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK || !out.Success || out.Delivered || len(out.Results) != 3 {
		t.Fatalf("confirm: %d %s", resp.StatusCode, raw)
	}
}

func TestPagarmeWebhook(t *testing.T) {
	e := setup(t)
	o := e.createOrder(t)
	body := []byte(`{"type":"order.paid","data":{"id":"or_1","code":"` + o.ID.String() + `","charges":[{"id":"ch_1"}]}}`)

	post := func(sig string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/webhooks/pagarme", bytes.NewReader(body))
		req.Header.Set(payment.SignatureHeader, sig)
		resp, _ := send(t, req)
		return resp
	}

	if resp := post("sha256=deadbeef"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d", resp.StatusCode)
	}
	if got, _ := e.store.GetOrder(context.Background(), o.ID); got.Status != order.StatusPendingPayment {
		t.Fatalf("order changed by unsigned webhook: %s", got.Status)
	}

	if resp := post(payment.Sign("whsec", body)); resp.StatusCode != http.StatusOK {
		t.Fatalf("signed webhook status = %d", resp.StatusCode)
	}
	if got, _ := e.store.GetOrder(context.Background(), o.ID); got.Status != order.StatusPaid {
		t.Fatalf("order status = %s", got.Status)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := setup(t)
	if resp, _ := e.do(t, http.MethodGet, "/health", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}
	e.do(t, http.MethodGet, "/metrics", nil, nil)
	resp, raw := e.do(t, http.MethodGet, "/metrics", nil, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), "oraculo_http_requests_total") {
		t.Fatalf("metrics: %d\n%s", resp.StatusCode, raw)
	}
}
