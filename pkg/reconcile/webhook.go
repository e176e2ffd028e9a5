package reconcile

import (
	"errors"
	"io"
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/processor"
)

// MaxWebhookBytes bounds a webhook body
const MaxWebhookBytes = 1 << 20

// DefaultSignatureHeader is where the processor sends its payload signature
const DefaultSignatureHeader = "Stripe-Signature"

// EventParser verifies and decodes a webhook payload
type EventParser interface {
	ParseEvent(payload []byte, signature string) (*processor.Event, error)
}

// WebhookHandler receives processor callbacks. It answers 400 for payloads
// that fail verification, 500 when the event could not be stored and 409 for
// an event about a subscription not known yet, so the processor redelivers
// both. Everything else is 200, other conflicts included.
type WebhookHandler struct {
	reconciler      *Reconciler
	parser          EventParser
	signatureHeader string
	logger          *observability.Logger
}

// NewWebhookHandler creates a WebhookHandler. An empty signatureHeader uses
// DefaultSignatureHeader.
func NewWebhookHandler(reconciler *Reconciler, parser EventParser, signatureHeader string, logger *observability.Logger) *WebhookHandler {
	if signatureHeader == "" {
		signatureHeader = DefaultSignatureHeader
	}
	return &WebhookHandler{
		reconciler:      reconciler,
		parser:          parser,
		signatureHeader: signatureHeader,
		logger:          observability.OrNop(logger),
	}
}

type webhookResponse struct {
	EventID string  `json:"event_id"`
	Outcome Outcome `json:"outcome"`
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WritePayloadTooLarge(w, "payload too large")
			return
		}
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	event, err := h.parser.ParseEvent(payload, r.Header.Get(h.signatureHeader))
	if err != nil {
		h.logger.WithError(err).Warn("Rejected processor webhook")
		httputil.WriteBadRequest(w, "invalid webhook payload")
		return
	}

	outcome, err := h.reconciler.HandleEvent(r.Context(), event)
	if err != nil && !errors.Is(err, ErrReconciliationConflict) {
		observability.FromContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
			"event_id":   event.ID,
			"event_type": string(event.Type),
		}).Error("Failed to handle processor webhook")
		httputil.WriteInternalError(w, "failed to handle event")
		return
	}

	status := http.StatusOK
	var conflict *ConflictError
	if errors.As(err, &conflict) && conflict.Retry {
		status = http.StatusConflict
	}
	_ = httputil.WriteJSON(w, status, webhookResponse{EventID: event.ID, Outcome: outcome})
}
