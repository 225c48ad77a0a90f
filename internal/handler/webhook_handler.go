// internal/handler/webhook_handler.go
package handler

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/unclebandit/voicecampaign-backend/internal/service"
	"github.com/unclebandit/voicecampaign-backend/internal/vendor"
)

// SecretHeader carries the shared webhook secret.
const SecretHeader = "X-Vendor-Secret"

const maxWebhookBody = 1 << 20

// WebhookHandler receives vendor end-of-call reports.
type WebhookHandler struct {
	Correlator *service.Correlator
	Secret     string
	Log        *zap.Logger
}

func NewWebhookHandler(correlator *service.Correlator, secret string, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{Correlator: correlator, Secret: secret, Log: log}
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// VoiceCompletion acknowledges every well-formed delivery, matched or not,
// so the vendor does not retry. Only store failures return 5xx.
func (h *WebhookHandler) VoiceCompletion(w http.ResponseWriter, r *http.Request) {
	if h.Secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(h.Secret)) != 1 {
		respond(w, http.StatusUnauthorized, map[string]string{"error": "invalid webhook secret"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	ev, ok, err := vendor.ParseCompletion(body)
	if err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		respond(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	res, err := h.Correlator.OnDelivery(r.Context(), body, ev)
	if err != nil {
		h.Log.Error("completion processing failed",
			zap.String("correlation_id", ev.CorrelationID), zap.Error(err))
		respond(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	respond(w, http.StatusOK, res)
}
