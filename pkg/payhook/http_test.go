package payhook_test

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/payhook/pkg/payhook"
)

// recordingMetrics captures error-type labels.
type recordingMetrics struct {
	mu     sync.Mutex
	errors []string
}

func (m *recordingMetrics) RecordWebhookEvent(_, _, _ string)                   {}
func (m *recordingMetrics) RecordWebhookDuration(_, _ string, _ time.Duration) {}
func (m *recordingMetrics) RecordInvoicePosting(_ string, _ bool)              {}

func (m *recordingMetrics) RecordWebhookError(_, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, errorType)
}

func (m *recordingMetrics) errorTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.errors...)
}

func postWebhook(t *testing.T, handler http.Handler, body, header, query string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paddle"+query, strings.NewReader(body))
	if header != "" {
		req.Header.Set(payhook.DefaultSignatureHeader, header)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestWebhookHandlerHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("user-1", "tenant-1")
	handler := env.processor.WebhookHandler()

	body := subscriptionEvent("evt_1", "subscription.created", "sub_1", "active", "user-1", "tenant-1")
	header := payhook.SignPayload([]byte(body), []byte(usSecret), env.clock.Now())

	w := postWebhook(t, handler, body, header, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	out := decodeResponse(t, w)
	assert.Equal(t, string(payhook.OutcomeProcessed), out["outcome"])
	assert.Equal(t, "evt_1", out["event_id"])
}

func TestWebhookHandlerDuplicateIs200(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("user-1", "tenant-1")
	handler := env.processor.WebhookHandler()

	body := subscriptionEvent("evt_1", "subscription.created", "sub_1", "active", "user-1", "tenant-1")
	header := payhook.SignPayload([]byte(body), []byte(usSecret), env.clock.Now())

	first := postWebhook(t, handler, body, header, "")
	require.Equal(t, http.StatusOK, first.Code)

	second := postWebhook(t, handler, body, header, "")
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, string(payhook.OutcomeDuplicate), decodeResponse(t, second)["outcome"])
}

func TestWebhookHandlerInvalidSignatureIs401(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("user-1", "tenant-1")
	handler := env.processor.WebhookHandler()

	body := subscriptionEvent("evt_1", "subscription.created", "sub_1", "active", "user-1", "tenant-1")
	header := payhook.SignPayload([]byte(body), []byte("wrong"), env.clock.Now())

	w := postWebhook(t, handler, body, header, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postWebhook(t, handler, body, "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookHandlerMalformedPayloadIs400(t *testing.T) {
	env := newTestEnv(t)
	handler := env.processor.WebhookHandler()

	body := `{"event_type": "subscription.updated"}`
	header := payhook.SignPayload([]byte(body), []byte(usSecret), env.clock.Now())

	w := postWebhook(t, handler, body, header, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookHandlerEntityRoute(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("user-eu", "tenant-eu")
	handler := env.processor.WebhookHandler()

	body := transactionEvent("evt_t1", "txn_1", "sub_1", "user-eu", "tenant-eu")
	header := payhook.SignPayload([]byte(body), []byte(euSecret), env.clock.Now())

	w := postWebhook(t, handler, body, header, "?entity=eu")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(payhook.OutcomeProcessed), decodeResponse(t, w)["outcome"])
}

func TestWebhookHandlerEntityMismatchIs500(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser("user-1", "tenant-1")
	handler := env.processor.WebhookHandler()

	body := transactionEvent("evt_t1", "txn_1", "sub_1", "user-1", "tenant-1")
	header := payhook.SignPayload([]byte(body), []byte(euSecret), env.clock.Now())

	w := postWebhook(t, handler, body, header, "?entity=eu")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", decodeResponse(t, w)["error"])
}

func newMeteredHandler(t *testing.T) (http.Handler, *recordingMetrics) {
	t.Helper()
	env := newTestEnv(t)
	metrics := &recordingMetrics{}
	processor, err := payhook.NewProcessor(payhook.Config{
		Storage:  env.store,
		Entities: testRegistry(t),
		Metrics:  metrics,
		Now:      env.clock.Now,
	})
	require.NoError(t, err)
	return processor.WebhookHandler(), metrics
}

func TestWebhookHandlerOversizeBodyIs413(t *testing.T) {
	handler, metrics := newMeteredHandler(t)

	body := strings.Repeat("a", 257<<10)
	w := postWebhook(t, handler, body, "", "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, []string{"payload_too_large"}, metrics.errorTypes())
}

// brokenBody fails mid-read without tripping the size limit.
type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestWebhookHandlerBodyReadErrorIs400(t *testing.T) {
	handler, metrics := newMeteredHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/paddle", io.NopCloser(brokenBody{}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, []string{"invalid_payload"}, metrics.errorTypes())
}

func TestWebhookHandlerMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	handler := env.processor.WebhookHandler()

	req := httptest.NewRequest(http.MethodGet, "/webhooks/paddle", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, http.MethodPost, w.Header().Get("Allow"))
}
