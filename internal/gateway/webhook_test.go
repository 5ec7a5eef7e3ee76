package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"toolbot/internal/convo"
	"toolbot/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken = "secret-token"
	testURL   = "https://bot.example.com/webhook/sms"
)

type echoProcessor struct {
	got convo.Inbound
}

func (p *echoProcessor) HandleMessage(_ context.Context, in convo.Inbound) string {
	p.got = in
	return "Drill — checked out to you. ✓"
}

func signForm(token, publicURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(publicURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newTestHandler(processor MessageProcessor, skipVerify bool) *WebhookHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWebhookHandler(logger, metrics.Registry("toolbot"), testToken, testURL, skipVerify, processor)
}

func postForm(handler http.Handler, form url.Values, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/sms", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookValidSignature(t *testing.T) {
	processor := &echoProcessor{}
	handler := newTestHandler(processor, false)

	form := url.Values{}
	form.Set("From", "+15551234")
	form.Set("To", "+15550100")
	form.Set("Body", "grabbing the drill")

	rec := postForm(handler, form, signForm(testToken, testURL, form))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<Response><Message>Drill — checked out to you. ✓</Message></Response>")
	assert.Equal(t, "+15551234", processor.got.From)
	assert.Equal(t, "+15550100", processor.got.To)
	assert.Equal(t, "grabbing the drill", processor.got.Body)
}

func TestWebhookBadSignatureRejected(t *testing.T) {
	processor := &echoProcessor{}
	handler := newTestHandler(processor, false)

	form := url.Values{}
	form.Set("From", "+15551234")
	form.Set("Body", "grabbing the drill")

	rec := postForm(handler, form, "bm90LXRoZS1yaWdodC1zaWduYXR1cmU=")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, processor.got.From, "processor must not run on rejected requests")
}

func TestWebhookMissingSignatureRejected(t *testing.T) {
	handler := newTestHandler(&echoProcessor{}, false)

	form := url.Values{}
	form.Set("From", "+15551234")
	form.Set("Body", "hi")

	rec := postForm(handler, form, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookSkipVerify(t *testing.T) {
	handler := newTestHandler(&echoProcessor{}, true)

	form := url.Values{}
	form.Set("From", "+15551234")
	form.Set("Body", "hi")

	rec := postForm(handler, form, "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	handler := newTestHandler(&echoProcessor{}, true)

	req := httptest.NewRequest(http.MethodGet, "/webhook/sms", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
