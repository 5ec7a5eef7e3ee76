package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"toolbot/internal/convo"
	"toolbot/internal/metrics"
)

// MessageProcessor turns one inbound SMS into a reply body.
type MessageProcessor interface {
	HandleMessage(ctx context.Context, in convo.Inbound) string
}

// WebhookHandler verifies the SMS gateway signature and forwards the message
// to the processor. Invalid signatures are rejected before anything touches
// the store.
type WebhookHandler struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	authToken  string
	publicURL  string
	skipVerify bool
	processor  MessageProcessor
}

// NewWebhookHandler creates the inbound SMS handler. publicURL must be the
// exact externally visible URL of this endpoint; the signature covers it.
func NewWebhookHandler(logger *slog.Logger, metricRegistry *metrics.Metrics, authToken, publicURL string, skipVerify bool, processor MessageProcessor) *WebhookHandler {
	return &WebhookHandler{
		logger:     logger.With("component", "gateway_webhook"),
		metrics:    metricRegistry,
		authToken:  authToken,
		publicURL:  publicURL,
		skipVerify: skipVerify,
		processor:  processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.metrics.Errors.WithLabelValues("gateway_webhook").Inc()
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	if !h.skipVerify && !h.validSignature(r) {
		h.logger.Warn("rejected webhook with bad signature", "remote", r.RemoteAddr)
		h.metrics.Errors.WithLabelValues("gateway_webhook_auth").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	in := convo.Inbound{
		From: strings.TrimSpace(r.PostFormValue("From")),
		To:   strings.TrimSpace(r.PostFormValue("To")),
		Body: r.PostFormValue("Body"),
	}

	reply := h.processor.HandleMessage(r.Context(), in)
	writeTwiML(w, reply)
}

// validSignature checks the X-Twilio-Signature scheme: base64 of
// HMAC-SHA1(token, url + concat of sorted "key"+"value" form params).
func (h *WebhookHandler) validSignature(r *http.Request) bool {
	provided := r.Header.Get("X-Twilio-Signature")
	if provided == "" || h.authToken == "" {
		return false
	}

	keys := make([]string, 0, len(r.PostForm))
	for k := range r.PostForm {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(h.publicURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(r.PostForm.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(h.authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(provided))
}
